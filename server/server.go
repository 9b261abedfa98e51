// Package server exposes the engine over HTTP: uploads, status polling,
// search, the book registry and health.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/bookshelfai/shelfrag"
	"github.com/bookshelfai/shelfrag/ingest"
	"github.com/bookshelfai/shelfrag/search"
)

// MaxSampleChunks bounds how many chunk samples a book detail response carries.
const MaxSampleChunks = 6

// maxUploadBytes bounds one uploaded file.
const maxUploadBytes = 64 << 20

// Options contains configuration options for the server.
type Options struct {
	// Logger receives structured logs. Defaults to a noop logger.
	Logger *shelfrag.Logger

	// Debug switches gin out of release mode.
	Debug bool
}

// Server wires the HTTP API to the engine.
type Server struct {
	engine       *gin.Engine
	manager      *shelfrag.IndexManager
	coordinator  *ingest.Coordinator
	orchestrator *search.Orchestrator
	logger       *shelfrag.Logger
}

// New creates the server and registers all routes.
func New(manager *shelfrag.IndexManager, coordinator *ingest.Coordinator, orchestrator *search.Orchestrator, optFns ...func(o *Options)) *Server {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = shelfrag.NoopLogger()
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:       gin.New(),
		manager:      manager,
		coordinator:  coordinator,
		orchestrator: orchestrator,
		logger:       opts.Logger,
	}

	s.engine.Use(gin.Recovery())
	s.engine.MaxMultipartMemory = maxUploadBytes

	s.engine.POST("/upload", s.handleUpload)
	s.engine.GET("/status/:uploadId", s.handleStatus)
	s.engine.POST("/search", s.handleSearch)
	s.engine.GET("/books", s.handleListBooks)
	s.engine.GET("/books/:bookId", s.handleGetBook)
	s.engine.POST("/books/delete", s.handleDeleteBook)
	s.engine.GET("/health", s.handleHealth)

	return s
}

// Handler returns the underlying HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// writeError maps engine errors to HTTP responses with a machine-readable
// kind.
func writeError(c *gin.Context, err error) {
	kind := shelfrag.Kind(err)

	status := http.StatusInternalServerError
	switch kind {
	case "missing_field", "empty_query", "invalid_argument", "dimension_mismatch":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	}

	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeError(c, &shelfrag.ErrMissingField{Field: "file"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		writeError(c, err)
		return
	}

	jobID, err := s.coordinator.Submit(c.Request.Context(), ingest.Submission{
		Title:      c.PostForm("title"),
		Author:     c.PostForm("author"),
		Genre:      c.PostForm("genre"),
		UploaderID: c.PostForm("user_id"),
		BookID:     c.PostForm("book_id"),
		Filename:   fileHeader.Filename,
		Content:    content,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"upload_id": jobID, "status": "started"})
}

// statusResponse is the job status payload.
type statusResponse struct {
	UploadID        string `json:"upload_id"`
	Status          string `json:"status"`
	Filename        string `json:"filename"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Genre           string `json:"genre,omitempty"`
	UserID          string `json:"user_id"`
	BookID          string `json:"book_id,omitempty"`
	TotalChunks     int    `json:"total_chunks"`
	ProcessedChunks int    `json:"processed_chunks"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	TotalVectors    int    `json:"total_vectors"`
}

func (s *Server) handleStatus(c *gin.Context) {
	job, err := s.coordinator.Status(c.Request.Context(), c.Param("uploadId"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		UploadID:        job.ID,
		Status:          string(job.Status),
		Filename:        job.Filename,
		Title:           job.Title,
		Author:          job.Author,
		Genre:           job.Genre,
		UserID:          job.UploaderID,
		BookID:          job.BookID,
		TotalChunks:     job.ChunkCount,
		ProcessedChunks: job.VectorCount,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.UTC().Format(time.RFC3339),
		TotalVectors:    s.manager.Stats().TotalVectors,
	})
}

// searchRequest is the search payload.
type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	TopK   int    `json:"top_k"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "bad_request"})
		return
	}

	resp, err := s.orchestrator.Query(c.Request.Context(), search.Request{
		Query:      req.Query,
		UploaderID: req.UserID,
		TopK:       req.TopK,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// bookSummary is one book in the list response.
type bookSummary struct {
	BookID      string `json:"book_id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Genre       string `json:"genre,omitempty"`
	Filename    string `json:"filename"`
	UploadID    string `json:"upload_id"`
	VectorCount int    `json:"vector_count"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleListBooks(c *gin.Context) {
	books := s.manager.ListBooks()

	out := make([]bookSummary, len(books))
	for i, b := range books {
		out[i] = bookSummary{
			BookID:      b.ID,
			Title:       b.Title,
			Author:      b.Author,
			Genre:       b.Genre,
			Filename:    b.Filename,
			UploadID:    b.UploadID,
			VectorCount: len(b.VectorIDs),
			CreatedAt:   b.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, gin.H{"books": out})
}

// chunkSample is one sample chunk in the book detail response.
type chunkSample struct {
	VectorID string `json:"vector_id"`
	Text     string `json:"text"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

func (s *Server) handleGetBook(c *gin.Context) {
	book, records, err := s.manager.BookSample(c.Param("bookId"), MaxSampleChunks)
	if err != nil {
		writeError(c, err)
		return
	}

	samples := make([]chunkSample, len(records))
	for i, rec := range records {
		samples[i] = chunkSample{VectorID: rec.ID, Text: rec.Text, Start: rec.Start, End: rec.End}
	}

	c.JSON(http.StatusOK, gin.H{
		"book": bookSummary{
			BookID:      book.ID,
			Title:       book.Title,
			Author:      book.Author,
			Genre:       book.Genre,
			Filename:    book.Filename,
			UploadID:    book.UploadID,
			VectorCount: len(book.VectorIDs),
			CreatedAt:   book.CreatedAt.UTC().Format(time.RFC3339),
		},
		"sample_chunks": samples,
	})
}

// deleteBookRequest is the delete payload.
type deleteBookRequest struct {
	BookID string `json:"book_id"`
}

func (s *Server) handleDeleteBook(c *gin.Context) {
	var req deleteBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "bad_request"})
		return
	}
	if req.BookID == "" {
		writeError(c, &shelfrag.ErrMissingField{Field: "book_id"})
		return
	}

	remaining, err := s.manager.DeleteBook(c.Request.Context(), req.BookID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "deleted",
		"remaining_vectors": remaining,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"indexed_vectors": s.manager.Stats().TotalVectors,
		"embed_dim":       s.manager.Dimension(),
	})
}
