package shelfrag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bookshelfai/shelfrag/blobstore"
	"github.com/bookshelfai/shelfrag/catalog"
	"github.com/bookshelfai/shelfrag/index/flat"
)

// Match is one search hit with its catalog record.
type Match struct {
	VectorID string
	Score    float32
	Record   catalog.VectorRecord
}

// Stats summarizes the indexed corpus.
type Stats struct {
	TotalVectors int
	TotalBooks   int
	Dimension    int
}

// IndexManager owns the index/catalog pair. The catalog's ordered id list
// mirrors index rows one-to-one; every mutation goes through the manager's
// write lock so the pair can never drift within a process. On disk the
// catalog is written before the index snapshot, so after a crash the catalog
// is the source of truth and the index is rebuilt from its stored embeddings.
type IndexManager struct {
	mu      sync.RWMutex
	index   *flat.Flat
	catalog *catalog.Catalog
	store   blobstore.BlobStore
	opts    Options
	logger  *Logger
}

// New creates an index manager.
func New(optFns ...func(o *Options)) *IndexManager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.Store == nil {
		opts.Store = blobstore.NewMemoryStore()
	}
	if opts.IndexBlob == "" {
		opts.IndexBlob = DefaultIndexBlob
	}
	if opts.CatalogBlob == "" {
		opts.CatalogBlob = DefaultCatalogBlob
	}

	idx := flat.New(func(o *flat.Options) {
		o.Compression = opts.Compression
	})

	return &IndexManager{
		index:   idx,
		catalog: catalog.New(opts.Store, opts.Codec, opts.CatalogBlob),
		store:   opts.Store,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Load restores state from the snapshot store. A missing catalog leaves the
// manager empty. A present catalog with a missing or stale index snapshot
// triggers a rebuild from the catalog's stored embeddings.
func (m *IndexManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, err := m.catalog.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		m.logger.Info("no catalog snapshot, starting empty")
		return nil
	}

	data, err := m.store.Get(ctx, m.opts.IndexBlob)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		// Catalog survived but the index snapshot didn't.
	case err != nil:
		return fmt.Errorf("loading index snapshot: %w", err)
	default:
		if _, err := m.index.ReadFrom(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptIndex, err)
		}
	}

	if m.index.Len() != m.catalog.Len() {
		m.logger.Warn("index/catalog row count mismatch, rebuilding",
			"index_rows", m.index.Len(), "catalog_rows", m.catalog.Len())
		if err := m.rebuildFromCatalogLocked(); err != nil {
			return err
		}
		if err := m.persistLocked(ctx); err != nil {
			return err
		}
	}

	m.logger.Info("index loaded",
		"vectors", m.index.Len(), "dimension", m.index.Dimension())
	return nil
}

// AddBatch indexes records atomically: either all land in both the index and
// the catalog, or neither does. Records must carry embeddings of a single
// dimension matching the index. Book records referenced by BookID are created
// or extended as a side effect.
func (m *IndexManager) AddBatch(ctx context.Context, records []catalog.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	embeddings := make([][]float32, len(records))
	for i, rec := range records {
		if len(rec.Embedding) == 0 {
			return &ErrMissingField{Field: "embedding"}
		}
		embeddings[i] = rec.Embedding
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.index.Add(embeddings); err != nil {
		return translateIndexError(err)
	}
	if err := m.catalog.PutBatch(records); err != nil {
		// Roll the rows back so the pair stays aligned.
		if rbErr := m.rebuildFromCatalogLocked(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	m.catalog.SetDimension(m.index.Dimension())

	for bookID, ids := range groupByBook(records) {
		first := ids.first
		m.catalog.RecordBookVectors(bookID, catalog.BookMeta{
			Title:    first.Title,
			Author:   first.Author,
			Genre:    first.Genre,
			Filename: first.Filename,
			UploadID: first.UploadID,
		}, ids.vectorIDs)
	}

	return m.persistLocked(ctx)
}

type bookGroup struct {
	first     catalog.VectorRecord
	vectorIDs []string
}

func groupByBook(records []catalog.VectorRecord) map[string]*bookGroup {
	groups := make(map[string]*bookGroup)
	for _, rec := range records {
		if rec.BookID == "" {
			continue
		}
		g, ok := groups[rec.BookID]
		if !ok {
			g = &bookGroup{first: rec}
			groups[rec.BookID] = g
		}
		g.vectorIDs = append(g.vectorIDs, rec.ID)
	}
	return groups
}

// Search returns the top-k matches for the query across the whole corpus.
func (m *IndexManager) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results, err := m.index.Search(query, k)
	if err != nil {
		return nil, translateIndexError(err)
	}
	return m.toMatchesLocked(results)
}

// SearchScoped returns the top-k matches restricted to one uploader's rows.
// An uploader with no rows gets ErrEmptyIndex, same as an empty corpus.
func (m *IndexManager) SearchScoped(ctx context.Context, query []float32, k int, uploaderID string) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.catalog.RowsForUploader(uploaderID)
	if rows.IsEmpty() {
		return nil, ErrEmptyIndex
	}

	results, err := m.index.SearchFilter(query, k, func(row int) bool {
		return rows.Contains(uint32(row))
	})
	if err != nil {
		return nil, translateIndexError(err)
	}
	return m.toMatchesLocked(results)
}

func (m *IndexManager) toMatchesLocked(results []flat.SearchResult) ([]Match, error) {
	matches := make([]Match, 0, len(results))
	for _, res := range results {
		id, ok := m.catalog.IDAt(res.Row)
		if !ok {
			return nil, fmt.Errorf("%w: row %d has no vector id", ErrCorruptIndex, res.Row)
		}
		rec, ok := m.catalog.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: vector %s has no record", ErrCorruptIndex, id)
		}
		matches = append(matches, Match{VectorID: id, Score: res.Score, Record: rec})
	}
	return matches, nil
}

// DeleteBook removes a book and its vectors, rebuilding the index from the
// survivors' stored embeddings. It returns the remaining vector count.
func (m *IndexManager) DeleteBook(ctx context.Context, bookID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.catalog.GetBook(bookID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}

	m.catalog.Remove(book.VectorIDs)
	m.catalog.DeleteBook(bookID)

	if err := m.rebuildFromCatalogLocked(); err != nil {
		return 0, err
	}
	m.catalog.SetDimension(m.index.Dimension())

	if err := m.persistLocked(ctx); err != nil {
		return 0, err
	}

	remaining := m.index.Len()
	m.logger.WithBook(bookID).Info("book deleted",
		"removed_vectors", len(book.VectorIDs), "remaining_vectors", remaining)
	return remaining, nil
}

// ListBooks returns all registered books, newest first.
func (m *IndexManager) ListBooks() []catalog.Book {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.catalog.ListBooks()
}

// BookSample returns a book and up to n of its chunk records.
func (m *IndexManager) BookSample(bookID string, n int) (catalog.Book, []catalog.VectorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.catalog.GetBook(bookID)
	if !ok {
		return catalog.Book{}, nil, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}

	if n > len(book.VectorIDs) {
		n = len(book.VectorIDs)
	}
	samples := make([]catalog.VectorRecord, 0, n)
	for _, id := range book.VectorIDs[:n] {
		if rec, ok := m.catalog.Get(id); ok {
			samples = append(samples, rec)
		}
	}
	return book, samples, nil
}

// Stats returns corpus totals.
func (m *IndexManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		TotalVectors: m.index.Len(),
		TotalBooks:   len(m.catalog.ListBooks()),
		Dimension:    m.index.Dimension(),
	}
}

// Dimension returns the adopted embedding dimension, 0 while the corpus is
// empty.
func (m *IndexManager) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.index.Dimension()
}

func (m *IndexManager) rebuildFromCatalogLocked() error {
	embeddings, err := m.catalog.RemainingEmbeddings()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if err := m.index.Rebuild(embeddings); err != nil {
		return translateIndexError(err)
	}
	return nil
}

// persistLocked writes the catalog first and the index snapshot second.
func (m *IndexManager) persistLocked(ctx context.Context) error {
	if err := m.catalog.Save(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err := m.index.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding index snapshot: %w", err)
	}
	if err := m.store.Put(ctx, m.opts.IndexBlob, buf.Bytes()); err != nil {
		return fmt.Errorf("writing index snapshot: %w", err)
	}
	return nil
}

// translateIndexError maps flat package errors onto the public taxonomy.
func translateIndexError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flat.ErrEmpty):
		return ErrEmptyIndex
	case errors.Is(err, flat.ErrInvalidK):
		return ErrInvalidK
	}

	var dm *flat.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	return err
}
