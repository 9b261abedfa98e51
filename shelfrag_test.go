package shelfrag

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookshelfai/shelfrag/blobstore"
	"github.com/bookshelfai/shelfrag/catalog"
	"github.com/bookshelfai/shelfrag/index/flat"
)

func record(id, bookID, uploader string, emb []float32, text string) catalog.VectorRecord {
	return catalog.VectorRecord{
		ID:         id,
		UploadID:   "upload-1",
		BookID:     bookID,
		Title:      "Dune",
		Author:     "Frank Herbert",
		UploaderID: uploader,
		Filename:   "dune.txt",
		Text:       text,
		Embedding:  emb,
	}
}

func TestAddBatchAndSearch(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "the spice must flow"),
		record("b", "book-1", "alice", []float32{0, 1}, "fear is the mind-killer"),
	}))

	matches, err := m.Search(ctx, []float32{1, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].VectorID)
	assert.Equal(t, "the spice must flow", matches[0].Record.Text)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalVectors)
	assert.Equal(t, 1, stats.TotalBooks)
	assert.Equal(t, 2, stats.Dimension)
}

func TestSearchEmptyIndex(t *testing.T) {
	m := New()

	_, err := m.Search(context.Background(), []float32{1, 0}, 3)
	require.ErrorIs(t, err, ErrEmptyIndex)
}

func TestSearchDimensionMismatch(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "x"),
	}))

	_, err := m.Search(ctx, []float32{1, 0, 0}, 1)
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 2, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
	assert.Equal(t, "dimension_mismatch", Kind(err))
}

func TestConcurrentSearchesMatchSequential(t *testing.T) {
	m := New()
	ctx := context.Background()

	records := make([]catalog.VectorRecord, 0, 16)
	for i := 0; i < 16; i++ {
		emb := []float32{float32(i), float32(16 - i), 1}
		records = append(records, record(fmt.Sprintf("v%d", i), "book-1", "alice", emb, fmt.Sprintf("chunk %d", i)))
	}
	require.NoError(t, m.AddBatch(ctx, records))

	query := []float32{3, 2, 1}
	want, err := m.Search(ctx, query, 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Search(ctx, query, 5)
			if err != nil {
				t.Errorf("concurrent search: %v", err)
				return
			}
			for j := range want {
				if got[j].VectorID != want[j].VectorID {
					t.Errorf("result %d: got %s, want %s", j, got[j].VectorID, want[j].VectorID)
				}
			}
		}()
	}
	wg.Wait()
}

func TestAddBatchDimensionMismatch(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "x"),
	}))

	err := m.AddBatch(ctx, []catalog.VectorRecord{
		record("b", "book-1", "alice", []float32{1, 0, 0}, "y"),
	})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)

	// The failed batch must not have landed anywhere.
	assert.Equal(t, 1, m.Stats().TotalVectors)
}

func TestAddBatchRollsBackOnDuplicateID(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "x"),
	}))

	err := m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{0, 1}, "dup"),
	})
	require.Error(t, err)

	// Index rows must still mirror the catalog.
	assert.Equal(t, 1, m.Stats().TotalVectors)
	matches, err := m.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", matches[0].VectorID)
}

func TestSearchScoped(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "alice chunk"),
		record("b", "book-2", "bob", []float32{0.9, 0.1}, "bob chunk"),
	}))

	matches, err := m.SearchScoped(ctx, []float32{1, 0}, 5, "bob")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].VectorID)

	_, err = m.SearchScoped(ctx, []float32{1, 0}, 5, "nobody")
	require.ErrorIs(t, err, ErrEmptyIndex)
}

func TestDeleteBookRebuildsIndex(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "keep me out"),
		record("b", "book-2", "alice", []float32{0, 1}, "survivor"),
	}))

	remaining, err := m.DeleteBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	// The survivor is still searchable and book-1's chunk is gone.
	matches, err := m.Search(ctx, []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].VectorID)

	assert.Len(t, m.ListBooks(), 1)

	_, err = m.DeleteBook(ctx, "book-1")
	require.ErrorIs(t, err, ErrBookNotFound)
}

func TestDeleteLastBookEmptiesIndex(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "x"),
	}))

	remaining, err := m.DeleteBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	// Dimension resets: the next corpus may use a different model.
	assert.Equal(t, 0, m.Dimension())

	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("b", "book-2", "alice", []float32{1, 0, 0}, "new model"),
	}))
	assert.Equal(t, 3, m.Dimension())
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()

	m := New(WithBlobStore(store))
	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "the spice must flow"),
		record("b", "book-1", "alice", []float32{0, 1}, "fear is the mind-killer"),
	}))

	restored := New(WithBlobStore(store))
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, 2, restored.Stats().TotalVectors)
	assert.Equal(t, 2, restored.Dimension())

	matches, err := restored.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].VectorID)
	assert.Equal(t, "the spice must flow", matches[0].Record.Text)
}

func TestLoadRebuildsWhenIndexSnapshotMissing(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()

	m := New(WithBlobStore(store))
	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "x"),
	}))

	// Simulate losing the index snapshot but keeping the catalog.
	require.NoError(t, store.Delete(ctx, DefaultIndexBlob))

	restored := New(WithBlobStore(store))
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 1, restored.Stats().TotalVectors)

	matches, err := restored.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", matches[0].VectorID)
}

func TestLoadEmptyStore(t *testing.T) {
	m := New(WithBlobStore(blobstore.NewMemoryStore()))
	require.NoError(t, m.Load(context.Background()))
	assert.Equal(t, 0, m.Stats().TotalVectors)
}

func TestPersistenceWithLZ4Compression(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ctx := context.Background()

	m := New(WithBlobStore(store), WithCompression(flat.CompressionLZ4))
	require.NoError(t, m.AddBatch(ctx, []catalog.VectorRecord{
		record("a", "book-1", "alice", []float32{1, 0}, "x"),
	}))

	restored := New(WithBlobStore(store))
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 1, restored.Stats().TotalVectors)
}

func TestBookSample(t *testing.T) {
	m := New()
	ctx := context.Background()

	records := make([]catalog.VectorRecord, 8)
	for i := range records {
		records[i] = record(string(rune('a'+i)), "book-1", "alice", []float32{1, float32(i)}, "chunk")
	}
	require.NoError(t, m.AddBatch(ctx, records))

	book, samples, err := m.BookSample("book-1", 6)
	require.NoError(t, err)
	assert.Equal(t, "Dune", book.Title)
	assert.Len(t, book.VectorIDs, 8)
	assert.Len(t, samples, 6)

	_, _, err = m.BookSample("missing", 6)
	require.ErrorIs(t, err, ErrBookNotFound)
}

func TestKindMapping(t *testing.T) {
	assert.Equal(t, "empty_query", Kind(ErrEmptyQuery))
	assert.Equal(t, "index_empty", Kind(ErrEmptyIndex))
	assert.Equal(t, "not_found", Kind(ErrJobNotFound))
	assert.Equal(t, "not_found", Kind(ErrBookNotFound))
	assert.Equal(t, "index_corruption", Kind(ErrCorruptIndex))
	assert.Equal(t, "missing_field", Kind(&ErrMissingField{Field: "title"}))
	assert.Equal(t, "internal", Kind(assert.AnError))
}
