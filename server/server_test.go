package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookshelfai/shelfrag"
	"github.com/bookshelfai/shelfrag/ingest"
	"github.com/bookshelfai/shelfrag/jobstore"
	"github.com/bookshelfai/shelfrag/search"
)

// fakeEmbedder produces deterministic fixed-dimension vectors.
type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dim)
		for j, r := range text {
			vec[j%f.dim] += float32(r)
		}
		vec[0]++
		out[i] = vec
	}
	return out, nil
}

type fakeGenerator struct{ answer string }

func (f *fakeGenerator) Generate(context.Context, string) (string, error) {
	return f.answer, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	manager := shelfrag.New()
	jobs, err := jobstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	embedder := &fakeEmbedder{dim: 4}
	coordinator, err := ingest.NewCoordinator(manager, jobs, embedder, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)

	orchestrator := search.NewOrchestrator(manager, embedder, &fakeGenerator{answer: "Generated answer."})

	srv := httptest.NewServer(New(manager, coordinator, orchestrator).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, val := range fields {
		require.NoError(t, w.WriteField(key, val))
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func uploadBook(t *testing.T, srv *httptest.Server, title, content string) string {
	t.Helper()

	body, contentType := multipartUpload(t, map[string]string{
		"title":   title,
		"author":  "Frank Herbert",
		"genre":   "sci-fi",
		"user_id": "alice",
	}, "book.txt", content)

	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		UploadID string `json:"upload_id"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "started", out.Status)
	require.NotEmpty(t, out.UploadID)
	return out.UploadID
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), "body: %s", body)
	}
	return resp.StatusCode
}

func waitDone(t *testing.T, srv *httptest.Server, uploadID string) map[string]any {
	t.Helper()

	var status map[string]any
	require.Eventually(t, func() bool {
		code := getJSON(t, srv.URL+"/status/"+uploadID, &status)
		require.Equal(t, http.StatusOK, code)
		st := status["status"].(string)
		return st == "done" || st == "error"
	}, 10*time.Second, 20*time.Millisecond)
	return status
}

func TestUploadStatusSearchFlow(t *testing.T) {
	srv := newTestServer(t)

	uploadID := uploadBook(t, srv, "Dune", "The spice must flow. Fear is the mind-killer.")

	status := waitDone(t, srv, uploadID)
	assert.Equal(t, "done", status["status"])
	assert.NotEmpty(t, status["book_id"])
	assert.Positive(t, status["total_vectors"].(float64))
	assert.Equal(t, "alice", status["user_id"])
	assert.Positive(t, status["total_chunks"].(float64))
	assert.Equal(t, status["total_chunks"], status["processed_chunks"])

	// Search now answers from the indexed corpus.
	body, err := json.Marshal(map[string]any{"query": "What must flow?"})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/search", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var searchOut struct {
		Answer  string `json:"answer"`
		Results []struct {
			VectorID string `json:"vector_id"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&searchOut))
	assert.Equal(t, "Generated answer.", searchOut.Answer)
	assert.NotEmpty(t, searchOut.Results)
}

func TestUploadWithBookID(t *testing.T) {
	srv := newTestServer(t)

	body, contentType := multipartUpload(t, map[string]string{
		"title":   "Dune",
		"author":  "Frank Herbert",
		"user_id": "alice",
		"book_id": "book-atreides",
	}, "book.txt", "The spice must flow.")

	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		UploadID string `json:"upload_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	status := waitDone(t, srv, out.UploadID)
	assert.Equal(t, "done", status["status"])
	assert.Equal(t, "book-atreides", status["book_id"])
}

func TestUploadMissingFields(t *testing.T) {
	srv := newTestServer(t)

	body, contentType := multipartUpload(t, map[string]string{
		"author":  "Frank Herbert",
		"user_id": "alice",
	}, "book.txt", "content")

	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "missing_field", out.Kind)
	assert.Contains(t, out.Error, "title")
}

func TestUploadMissingFile(t *testing.T) {
	srv := newTestServer(t)

	body, contentType := multipartUpload(t, map[string]string{
		"title":   "Dune",
		"author":  "Frank Herbert",
		"user_id": "alice",
	}, "", "")

	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusUnknownUpload(t *testing.T) {
	srv := newTestServer(t)

	var out struct {
		Kind string `json:"kind"`
	}
	code := getJSON(t, srv.URL+"/status/unknown-id", &out)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", out.Kind)
}

func TestSearchEmptyQuery(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/search", "application/json", bytes.NewReader([]byte(`{"query":"  "}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "empty_query", out.Kind)
}

func TestSearchEmptyCorpus(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/search", "application/json", bytes.NewReader([]byte(`{"query":"any books about sand?"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Answer  string `json:"answer"`
		Results []any  `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "No indexed documents available yet.", out.Answer)
	assert.Empty(t, out.Results)
}

func TestBooksListAndDetail(t *testing.T) {
	srv := newTestServer(t)

	uploadID := uploadBook(t, srv, "Dune", "The spice must flow. Fear is the mind-killer.")
	status := waitDone(t, srv, uploadID)
	bookID := status["book_id"].(string)

	var list struct {
		Books []struct {
			BookID      string `json:"book_id"`
			Title       string `json:"title"`
			VectorCount int    `json:"vector_count"`
		} `json:"books"`
	}
	code := getJSON(t, srv.URL+"/books", &list)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list.Books, 1)
	assert.Equal(t, bookID, list.Books[0].BookID)
	assert.Equal(t, "Dune", list.Books[0].Title)
	assert.Positive(t, list.Books[0].VectorCount)

	var detail struct {
		Book struct {
			BookID string `json:"book_id"`
		} `json:"book"`
		SampleChunks []struct {
			Text string `json:"text"`
		} `json:"sample_chunks"`
	}
	code = getJSON(t, srv.URL+"/books/"+bookID, &detail)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, bookID, detail.Book.BookID)
	require.NotEmpty(t, detail.SampleChunks)
	assert.LessOrEqual(t, len(detail.SampleChunks), MaxSampleChunks)
}

func TestBookDetailNotFound(t *testing.T) {
	srv := newTestServer(t)

	code := getJSON(t, srv.URL+"/books/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeleteBook(t *testing.T) {
	srv := newTestServer(t)

	first := uploadBook(t, srv, "Dune", "The spice must flow.")
	second := uploadBook(t, srv, "Hyperion", "The Shrike waits in the Time Tombs.")
	bookID := waitDone(t, srv, first)["book_id"].(string)
	waitDone(t, srv, second)

	body := fmt.Sprintf(`{"book_id":%q}`, bookID)
	resp, err := http.Post(srv.URL+"/books/delete", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status           string `json:"status"`
		RemainingVectors int    `json:"remaining_vectors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "deleted", out.Status)
	assert.Positive(t, out.RemainingVectors)

	// Deleting again 404s.
	resp2, err := http.Post(srv.URL+"/books/delete", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	// The deleted book is gone from the list.
	var list struct {
		Books []struct {
			BookID string `json:"book_id"`
		} `json:"books"`
	}
	getJSON(t, srv.URL+"/books", &list)
	require.Len(t, list.Books, 1)
	assert.NotEqual(t, bookID, list.Books[0].BookID)
}

func TestDeleteBookMissingID(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/books/delete", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	var out struct {
		Status         string `json:"status"`
		IndexedVectors int    `json:"indexed_vectors"`
		EmbedDim       int    `json:"embed_dim"`
	}
	code := getJSON(t, srv.URL+"/health", &out)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 0, out.IndexedVectors)
	assert.Equal(t, 0, out.EmbedDim)
}
