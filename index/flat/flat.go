// Package flat provides an exact flat similarity index over L2-normalized
// vectors. Scores are inner products, which equal cosine similarity after
// normalization. There is no in-place delete: removal is expressed as a full
// Rebuild from surviving vectors.
package flat

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bookshelfai/shelfrag/distance"
)

var (
	// ErrEmpty is returned by Search when the index holds no rows.
	ErrEmpty = errors.New("flat: index is empty")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("flat: k must be positive")

	// ErrZeroVector is returned when a vector cannot be L2-normalized.
	ErrZeroVector = errors.New("flat: cannot normalize zero vector")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("flat: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SearchResult is one row returned by Search, best first.
type SearchResult struct {
	Row   int
	Score float32
}

// Options contains configuration options for the flat index.
type Options struct {
	// Dimension fixes the vector dimensionality up front. 0 means unset:
	// the index adopts the length of the first added vector.
	Dimension int

	// Compression selects the snapshot payload compression.
	Compression Compression
}

// DefaultOptions contains the default configuration options for the flat index.
var DefaultOptions = Options{
	Dimension:   0,
	Compression: CompressionZstd,
}

// indexState holds the immutable state of the index for lock-free reads.
type indexState struct {
	dimension int
	rows      [][]float32 // unit-normalized, append order == row order
}

// Flat is the exact flat index. It uses a copy-on-write pattern so searches
// are lock-free and always observe a complete pre- or post-mutation state.
type Flat struct {
	state   atomic.Pointer[indexState]
	writeMu sync.Mutex // serializes Add/Rebuild
	opts    Options
}

// New creates a new instance of the flat index.
func New(optFns ...func(o *Options)) *Flat {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	f := &Flat{opts: opts}
	f.state.Store(&indexState{dimension: opts.Dimension})
	return f
}

func (f *Flat) getState() *indexState {
	return f.state.Load()
}

// Len returns the number of rows in the index.
func (f *Flat) Len() int {
	return len(f.getState().rows)
}

// Dimension returns the current vector dimension, 0 while unset.
func (f *Flat) Dimension() int {
	return f.getState().dimension
}

// normalizeAll validates and normalizes vectors against dim, adopting the
// first vector's length when dim is 0. It returns the normalized copies and
// the resulting dimension without touching index state, so callers can commit
// all-or-nothing.
func normalizeAll(vectors [][]float32, dim int) ([][]float32, int, error) {
	out := make([][]float32, 0, len(vectors))
	for _, v := range vectors {
		if len(v) == 0 {
			return nil, 0, ErrZeroVector
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return nil, 0, &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}
		norm, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return nil, 0, ErrZeroVector
		}
		out = append(out, norm)
	}
	return out, dim, nil
}

// Add normalizes the given vectors and appends them as rows in call order.
//
// If the index is empty and has no fixed dimension, the first vector's length
// becomes the index dimension. On any validation failure nothing is mutated.
func (f *Flat) Add(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old := f.getState()
	normalized, dim, err := normalizeAll(vectors, old.dimension)
	if err != nil {
		return err
	}

	rows := make([][]float32, 0, len(old.rows)+len(normalized))
	rows = append(rows, old.rows...)
	rows = append(rows, normalized...)

	f.state.Store(&indexState{dimension: dim, rows: rows})
	return nil
}

// Rebuild discards all rows and re-adds the given vectors in order,
// re-deriving the dimension from the first vector. An empty input leaves an
// empty index with dimension 0 (next Add re-adopts).
func (f *Flat) Rebuild(vectors [][]float32) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	normalized, dim, err := normalizeAll(vectors, 0)
	if err != nil {
		return err
	}

	f.state.Store(&indexState{dimension: dim, rows: normalized})
	return nil
}

// Search returns up to k rows most similar to query, sorted by descending
// inner-product score. The query is normalized internally. Results are
// deterministic for unchanged index contents; ties break toward the lower
// row. This is a brute-force O(N*d) scan.
func (f *Flat) Search(query []float32, k int) ([]SearchResult, error) {
	return f.SearchFilter(query, k, nil)
}

// SearchFilter is Search restricted to rows accepted by filter.
// A nil filter accepts every row.
func (f *Flat) SearchFilter(query []float32, k int, filter func(row int) bool) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	st := f.getState()
	if len(st.rows) == 0 {
		return nil, ErrEmpty
	}
	if len(query) != st.dimension {
		return nil, &ErrDimensionMismatch{Expected: st.dimension, Actual: len(query)}
	}

	q, ok := distance.NormalizeL2Copy(query)
	if !ok {
		return nil, ErrZeroVector
	}

	top := &resultHeap{}
	heap.Init(top)
	for row, vec := range st.rows {
		if filter != nil && !filter(row) {
			continue
		}
		score := distance.Dot(q, vec)
		if top.Len() < k {
			heap.Push(top, SearchResult{Row: row, Score: score})
			continue
		}
		if worseThan((*top)[0], SearchResult{Row: row, Score: score}) {
			(*top)[0] = SearchResult{Row: row, Score: score}
			heap.Fix(top, 0)
		}
	}

	results := make([]SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		results[i] = heap.Pop(top).(SearchResult)
	}
	return results, nil
}

// worseThan reports whether a ranks strictly below b
// (lower score, or equal score with a higher row).
func worseThan(a, b SearchResult) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Row > b.Row
}

// resultHeap is a bounded min-heap keeping the current top-k; the weakest
// candidate sits at the root for cheap replacement.
type resultHeap []SearchResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return worseThan(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(SearchResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Row returns the stored (normalized) vector at the given row.
// The returned slice must be treated as read-only.
func (f *Flat) Row(row int) ([]float32, bool) {
	st := f.getState()
	if row < 0 || row >= len(st.rows) {
		return nil, false
	}
	return st.rows[row], true
}
