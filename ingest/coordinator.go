// Package ingest runs the asynchronous upload pipeline: accept a document,
// persist it, then extract, chunk, embed and index it on a bounded worker
// pool while the job store tracks progress.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bookshelfai/shelfrag"
	"github.com/bookshelfai/shelfrag/catalog"
	"github.com/bookshelfai/shelfrag/chunker"
	"github.com/bookshelfai/shelfrag/extract"
	"github.com/bookshelfai/shelfrag/jobstore"
	"github.com/bookshelfai/shelfrag/provider"
)

// ErrClosed is returned when submitting to a closed coordinator.
var ErrClosed = errors.New("ingest: coordinator is closed")

// errNoText is the job failure message for documents that yield no text.
const errNoText = "No text extracted from document"

// DefaultEmbedBatchSize is the number of chunks embedded and indexed per step.
const DefaultEmbedBatchSize = 64

// Options contains configuration options for the coordinator.
type Options struct {
	// Workers bounds concurrent ingestion jobs. 0 means GOMAXPROCS.
	Workers int

	// ChunkSize and Overlap configure text chunking.
	ChunkSize int
	Overlap   int

	// EmbedBatchSize is the number of chunks per embedding request and per
	// index write.
	EmbedBatchSize int

	// Extractor, when set, overrides extension-based extractor selection.
	// Useful for routing everything through a remote extraction service.
	Extractor extract.Extractor

	// Logger receives structured logs. Defaults to a noop logger.
	Logger *shelfrag.Logger
}

// Submission is one upload request.
type Submission struct {
	Title      string
	Author     string
	Genre      string
	UploaderID string
	Filename   string
	Content    []byte

	// BookID, when set, is used instead of a generated id. Re-uploading with
	// the id of an existing book adds the new vectors under that book.
	BookID string
}

// Coordinator accepts uploads and processes them in the background.
type Coordinator struct {
	manager    *shelfrag.IndexManager
	jobs       *jobstore.Store
	embedder   provider.Embedder
	pool       *workerPool
	uploadsDir string
	opts       Options
	logger     *shelfrag.Logger
}

// NewCoordinator creates a coordinator writing uploaded files under
// uploadsDir.
func NewCoordinator(manager *shelfrag.IndexManager, jobs *jobstore.Store, embedder provider.Embedder, uploadsDir string, optFns ...func(o *Options)) (*Coordinator, error) {
	opts := Options{
		ChunkSize:      chunker.DefaultChunkSize,
		Overlap:        chunker.DefaultOverlap,
		EmbedBatchSize: DefaultEmbedBatchSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = shelfrag.NoopLogger()
	}

	if err := os.MkdirAll(uploadsDir, 0o700); err != nil {
		return nil, fmt.Errorf("ingest: creating uploads directory: %w", err)
	}

	return &Coordinator{
		manager:    manager,
		jobs:       jobs,
		embedder:   embedder,
		pool:       newWorkerPool(opts.Workers),
		uploadsDir: uploadsDir,
		opts:       opts,
		logger:     opts.Logger,
	}, nil
}

// Close stops accepting submissions and waits for in-flight jobs.
func (c *Coordinator) Close() {
	c.pool.close()
}

// Submit validates the submission, persists the file, records the job and
// queues processing. It returns the job id immediately; progress is observed
// through Status.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := validate(sub); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	path := filepath.Join(c.uploadsDir, jobID+strings.ToLower(filepath.Ext(sub.Filename)))
	if err := os.WriteFile(path, sub.Content, 0o600); err != nil {
		return "", fmt.Errorf("ingest: persisting upload: %w", err)
	}

	if err := c.jobs.Create(ctx, jobstore.Job{
		ID:         jobID,
		Status:     jobstore.StatusUploaded,
		Filename:   sub.Filename,
		Title:      sub.Title,
		Author:     sub.Author,
		Genre:      sub.Genre,
		UploaderID: sub.UploaderID,
	}); err != nil {
		return "", err
	}

	if err := c.pool.submit(ctx, func() {
		// The request context ends when the upload response is sent; the
		// pipeline runs on its own.
		c.process(context.Background(), jobID, path, sub)
	}); err != nil {
		return "", err
	}

	c.logger.WithJob(jobID).Info("upload accepted",
		"filename", sub.Filename, "uploader", sub.UploaderID, "bytes", len(sub.Content))
	return jobID, nil
}

func validate(sub Submission) error {
	switch {
	case strings.TrimSpace(sub.Title) == "":
		return &shelfrag.ErrMissingField{Field: "title"}
	case strings.TrimSpace(sub.Author) == "":
		return &shelfrag.ErrMissingField{Field: "author"}
	case strings.TrimSpace(sub.UploaderID) == "":
		return &shelfrag.ErrMissingField{Field: "user_id"}
	case strings.TrimSpace(sub.Filename) == "":
		return &shelfrag.ErrMissingField{Field: "file"}
	case len(sub.Content) == 0:
		return &shelfrag.ErrMissingField{Field: "file"}
	}
	return nil
}

// Status returns the job record for polling.
func (c *Coordinator) Status(ctx context.Context, jobID string) (*jobstore.Job, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", shelfrag.ErrJobNotFound, jobID)
	}
	return job, err
}

// process runs the pipeline for one job. Every failure path marks the job
// failed with a client-readable message; process itself never returns an
// error.
func (c *Coordinator) process(ctx context.Context, jobID, path string, sub Submission) {
	logger := c.logger.WithJob(jobID)

	fail := func(msg string) {
		logger.Error("ingestion failed", "reason", msg)
		if err := c.jobs.Fail(ctx, jobID, msg); err != nil {
			logger.Error("recording failure", "error", err)
		}
	}

	if err := c.jobs.SetStatus(ctx, jobID, jobstore.StatusProcessing); err != nil {
		logger.Error("updating status", "error", err)
		return
	}

	extractor := c.opts.Extractor
	if extractor == nil {
		var err error
		extractor, err = extract.ForFile(sub.Filename)
		if err != nil {
			fail(err.Error())
			return
		}
	}

	text, err := extractor.Extract(ctx, path)
	if err != nil {
		fail(err.Error())
		return
	}
	if strings.TrimSpace(text) == "" {
		fail(errNoText)
		return
	}

	bookID := sub.BookID
	if bookID == "" {
		bookID = uuid.NewString()
	}
	chunks := chunker.Collect(text, func(o *chunker.Options) {
		o.ChunkSize = c.opts.ChunkSize
		o.Overlap = c.opts.Overlap
		o.BookID = bookID
	})
	if len(chunks) == 0 {
		fail(errNoText)
		return
	}

	if err := c.jobs.SetProgress(ctx, jobID, len(chunks), 0); err != nil {
		logger.Error("updating progress", "error", err)
	}
	if err := c.jobs.SetStatus(ctx, jobID, jobstore.StatusEmbedding); err != nil {
		logger.Error("updating status", "error", err)
	}

	indexed := 0
	for start := 0; start < len(chunks); start += c.opts.EmbedBatchSize {
		end := min(start+c.opts.EmbedBatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}

		vectors, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			fail(fmt.Sprintf("embedding failed: %s", err))
			return
		}

		now := time.Now().UTC()
		records := make([]catalog.VectorRecord, len(batch))
		for i, ch := range batch {
			records[i] = catalog.VectorRecord{
				ID:         ch.ID,
				UploadID:   jobID,
				BookID:     bookID,
				Title:      sub.Title,
				Author:     sub.Author,
				Genre:      sub.Genre,
				UploaderID: sub.UploaderID,
				Filename:   sub.Filename,
				Text:       ch.Text,
				Start:      ch.Start,
				End:        ch.End,
				Embedding:  vectors[i],
				CreatedAt:  now,
			}
		}

		if err := c.manager.AddBatch(ctx, records); err != nil {
			fail(fmt.Sprintf("indexing failed: %s", err))
			return
		}

		indexed += len(batch)
		if err := c.jobs.SetProgress(ctx, jobID, len(chunks), indexed); err != nil {
			logger.Error("updating progress", "error", err)
		}
		if err := c.jobs.SetStatus(ctx, jobID, jobstore.StatusIndexed); err != nil {
			logger.Error("updating status", "error", err)
		}
	}

	if err := c.jobs.SetBook(ctx, jobID, bookID); err != nil {
		logger.Error("linking book", "error", err)
	}
	if err := c.jobs.SetStatus(ctx, jobID, jobstore.StatusDone); err != nil {
		logger.Error("updating status", "error", err)
	}

	logger.WithBook(bookID).Info("ingestion complete",
		"chunks", len(chunks), "vectors", indexed)
}
