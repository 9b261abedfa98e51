// Package chunker splits extracted document text into overlapping character
// windows, the unit of embedding and retrieval.
package chunker

import (
	"iter"
	"strings"

	"github.com/google/uuid"
)

// Default window geometry.
const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 200
)

// Chunk is a bounded character window of a document's extracted text.
// Chunks are immutable; the ID doubles as the vector id in the index.
type Chunk struct {
	ID     string
	BookID string
	Text   string
	Start  int
	End    int
}

// Options configures window geometry and provenance.
type Options struct {
	// ChunkSize is the window size in characters. Values <= 0 fall back to
	// DefaultChunkSize.
	ChunkSize int

	// Overlap is the number of characters shared between consecutive
	// windows. Negative values are treated as 0. Overlap >= ChunkSize is
	// allowed; the window then advances to its own end so the sequence
	// still terminates.
	Overlap int

	// BookID, when set, is carried on every produced chunk.
	BookID string
}

// Chunks returns a lazy, finite, restartable sequence of chunks over text.
//
// Windows start at offset 0 and advance by ChunkSize-Overlap. Each window's
// text is trimmed of surrounding whitespace; windows that trim to nothing are
// dropped without disturbing the offsets of subsequent windows. Empty or
// whitespace-only input yields an empty sequence.
func Chunks(text string, optFns ...func(o *Options)) iter.Seq[Chunk] {
	opts := Options{
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}

	return func(yield func(Chunk) bool) {
		n := len(text)
		for i := 0; i < n; {
			end := min(i+opts.ChunkSize, n)
			if trimmed := strings.TrimSpace(text[i:end]); trimmed != "" {
				c := Chunk{
					ID:     uuid.NewString(),
					BookID: opts.BookID,
					Text:   trimmed,
					Start:  i,
					End:    end,
				}
				if !yield(c) {
					return
				}
			}
			// Advance by size-overlap; when overlap swallows the step,
			// jump to the window end so the loop always terminates.
			next := end - opts.Overlap
			if next <= i {
				next = end
			}
			i = next
		}
	}
}

// Collect materializes the full chunk sequence.
func Collect(text string, optFns ...func(o *Options)) []Chunk {
	var chunks []Chunk
	for c := range Chunks(text, optFns...) {
		chunks = append(chunks, c)
	}
	return chunks
}
