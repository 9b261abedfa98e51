// Package catalog is the durable metadata side of the index: the mapping from
// vector id to chunk provenance (including the embedding itself, kept so the
// index can be rebuilt without re-calling the embedding provider), the
// insertion-ordered vector id list that mirrors index rows, and the book
// registry grouping vector ids by source document.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/bookshelfai/shelfrag/blobstore"
	"github.com/bookshelfai/shelfrag/codec"
)

// ErrMissingEmbedding is returned when a surviving vector id has no stored
// embedding during rebuild collection. Callers must treat this as corruption.
var ErrMissingEmbedding = errors.New("catalog: vector without stored embedding")

// VectorRecord is the metadata stored per vector id.
type VectorRecord struct {
	ID         string    `json:"id"`
	UploadID   string    `json:"upload_id"`
	BookID     string    `json:"book_id,omitempty"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Genre      string    `json:"genre,omitempty"`
	UploaderID string    `json:"user_id"`
	Filename   string    `json:"filename"`
	Text       string    `json:"text"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Embedding  []float32 `json:"embedding"`
	CreatedAt  time.Time `json:"created_at"`
}

// Book groups the vector ids produced from one uploaded document.
type Book struct {
	ID        string    `json:"book_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Genre     string    `json:"genre,omitempty"`
	Filename  string    `json:"filename"`
	UploadID  string    `json:"upload_id"`
	VectorIDs []string  `json:"vector_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// document is the persisted catalog shape.
type document struct {
	Vectors     map[string]VectorRecord `json:"vectors"`
	IndexIDList []string                `json:"index_id_list"`
	Books       map[string]Book         `json:"books"`
	Dimension   int                     `json:"dimension"`
}

// Catalog is an in-memory catalog persisted as one blob. Mutating methods
// touch memory only; Save persists the whole document atomically so callers
// can order it against the index snapshot.
type Catalog struct {
	mu    sync.RWMutex
	store blobstore.BlobStore
	c     codec.Codec
	name  string

	vectors   map[string]VectorRecord
	ordered   []string
	books     map[string]Book
	dimension int
}

// New creates an empty catalog persisted under name in store.
// A nil codec falls back to codec.Default.
func New(store blobstore.BlobStore, c codec.Codec, name string) *Catalog {
	if c == nil {
		c = codec.Default
	}
	if name == "" {
		name = "catalog.json"
	}
	return &Catalog{
		store:   store,
		c:       c,
		name:    name,
		vectors: make(map[string]VectorRecord),
		books:   make(map[string]Book),
	}
}

// Load reads the persisted document, replacing in-memory state.
// A missing blob leaves the catalog empty and returns found=false.
func (cat *Catalog) Load(ctx context.Context) (bool, error) {
	data, err := cat.store.Get(ctx, cat.name)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: load: %w", err)
	}

	var doc document
	if err := cat.c.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("catalog: decode: %w", err)
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()
	cat.vectors = doc.Vectors
	if cat.vectors == nil {
		cat.vectors = make(map[string]VectorRecord)
	}
	cat.ordered = doc.IndexIDList
	cat.books = doc.Books
	if cat.books == nil {
		cat.books = make(map[string]Book)
	}
	cat.dimension = doc.Dimension
	return true, nil
}

// Save persists the full document atomically.
func (cat *Catalog) Save(ctx context.Context) error {
	cat.mu.RLock()
	doc := document{
		Vectors:     cat.vectors,
		IndexIDList: cat.ordered,
		Books:       cat.books,
		Dimension:   cat.dimension,
	}
	data, err := cat.c.Marshal(doc)
	cat.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("catalog: encode: %w", err)
	}

	if err := cat.store.Put(ctx, cat.name, data); err != nil {
		return fmt.Errorf("catalog: save: %w", err)
	}
	return nil
}

// PutBatch stores records and appends their ids to the ordered list, in the
// given order. Ids must be new; a duplicate id is an error and nothing is
// mutated.
func (cat *Catalog) PutBatch(records []VectorRecord) error {
	cat.mu.Lock()
	defer cat.mu.Unlock()

	for _, rec := range records {
		if _, exists := cat.vectors[rec.ID]; exists {
			return fmt.Errorf("catalog: duplicate vector id %s", rec.ID)
		}
	}
	for _, rec := range records {
		cat.vectors[rec.ID] = rec
		cat.ordered = append(cat.ordered, rec.ID)
	}
	return nil
}

// Get retrieves the record for a vector id.
func (cat *Catalog) Get(id string) (VectorRecord, bool) {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	rec, ok := cat.vectors[id]
	return rec, ok
}

// Remove deletes the given vector ids from the record map and the ordered
// list, preserving the relative order of survivors.
func (cat *Catalog) Remove(ids []string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()

	for id := range drop {
		delete(cat.vectors, id)
	}
	survivors := cat.ordered[:0]
	for _, id := range cat.ordered {
		if _, dropped := drop[id]; !dropped {
			survivors = append(survivors, id)
		}
	}
	cat.ordered = survivors
}

// BookMeta carries the book fields recorded on first sight of a book id.
type BookMeta struct {
	Title    string
	Author   string
	Genre    string
	Filename string
	UploadID string
}

// RecordBookVectors appends vector ids to a book, creating the book record on
// first use.
func (cat *Catalog) RecordBookVectors(bookID string, meta BookMeta, vectorIDs []string) {
	cat.mu.Lock()
	defer cat.mu.Unlock()

	book, ok := cat.books[bookID]
	if !ok {
		book = Book{
			ID:        bookID,
			Title:     meta.Title,
			Author:    meta.Author,
			Genre:     meta.Genre,
			Filename:  meta.Filename,
			UploadID:  meta.UploadID,
			CreatedAt: time.Now().UTC(),
		}
	}
	book.VectorIDs = append(book.VectorIDs, vectorIDs...)
	cat.books[bookID] = book
}

// GetBook retrieves a book by id.
func (cat *Catalog) GetBook(bookID string) (Book, bool) {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	book, ok := cat.books[bookID]
	if ok {
		book.VectorIDs = slices.Clone(book.VectorIDs)
	}
	return book, ok
}

// ListBooks returns all books, newest first.
func (cat *Catalog) ListBooks() []Book {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	books := make([]Book, 0, len(cat.books))
	for _, b := range cat.books {
		b.VectorIDs = slices.Clone(b.VectorIDs)
		books = append(books, b)
	}
	sort.Slice(books, func(i, j int) bool {
		if !books[i].CreatedAt.Equal(books[j].CreatedAt) {
			return books[i].CreatedAt.After(books[j].CreatedAt)
		}
		return books[i].ID < books[j].ID
	})
	return books
}

// DeleteBook removes the book record only; the caller is responsible for
// removing its vectors and rebuilding the index.
func (cat *Catalog) DeleteBook(bookID string) {
	cat.mu.Lock()
	defer cat.mu.Unlock()

	delete(cat.books, bookID)
}

// OrderedIDs returns a copy of the insertion-ordered vector id list.
// Position i corresponds to index row i.
func (cat *Catalog) OrderedIDs() []string {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	return slices.Clone(cat.ordered)
}

// IDAt maps an index row back to its vector id.
func (cat *Catalog) IDAt(row int) (string, bool) {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	if row < 0 || row >= len(cat.ordered) {
		return "", false
	}
	return cat.ordered[row], true
}

// Len returns the number of tracked vector ids.
func (cat *Catalog) Len() int {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	return len(cat.ordered)
}

// Dimension returns the recorded embedding dimension (0 = unset).
func (cat *Catalog) Dimension() int {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	return cat.dimension
}

// SetDimension records the embedding dimension.
func (cat *Catalog) SetDimension(dim int) {
	cat.mu.Lock()
	defer cat.mu.Unlock()

	cat.dimension = dim
}

// RemainingEmbeddings collects the stored embeddings for every ordered vector
// id, in order. A missing record or empty embedding yields
// ErrMissingEmbedding: rebuilding from incomplete data would silently drop
// vectors.
func (cat *Catalog) RemainingEmbeddings() ([][]float32, error) {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	out := make([][]float32, 0, len(cat.ordered))
	for _, id := range cat.ordered {
		rec, ok := cat.vectors[id]
		if !ok || len(rec.Embedding) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingEmbedding, id)
		}
		out = append(out, rec.Embedding)
	}
	return out, nil
}

// RowsForUploader returns a bitmap of index rows whose vectors belong to the
// given uploader, for scoped search.
func (cat *Catalog) RowsForUploader(uploaderID string) *roaring.Bitmap {
	cat.mu.RLock()
	defer cat.mu.RUnlock()

	bm := roaring.New()
	for row, id := range cat.ordered {
		if rec, ok := cat.vectors[id]; ok && rec.UploaderID == uploaderID {
			bm.Add(uint32(row))
		}
	}
	return bm
}
