package shelfrag

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when a search k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrEmptyQuery is returned when a search query is empty or whitespace.
	ErrEmptyQuery = errors.New("empty query")

	// ErrEmptyIndex is returned by the index when a search hits zero rows.
	// Orchestration layers treat this as "no results", not a failure.
	ErrEmptyIndex = errors.New("index has no vectors")

	// ErrJobNotFound is returned for an unknown upload job id.
	ErrJobNotFound = errors.New("upload job not found")

	// ErrBookNotFound is returned for an unknown book id.
	ErrBookNotFound = errors.New("book not found")

	// ErrCorruptIndex indicates the catalog and index have diverged, e.g. a
	// surviving vector id without a stored embedding during rebuild. It is
	// surfaced rather than repaired: silently dropping vectors would hide
	// data loss.
	ErrCorruptIndex = errors.New("index corruption detected")
)

// ErrMissingField indicates a required submission field was absent or empty.
type ErrMissingField struct {
	Field string
}

func (e *ErrMissingField) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
// The underlying cause, if any, is available via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// Kind returns the machine-readable kind for an error, used in HTTP error
// payloads. Unrecognized errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyQuery):
		return "empty_query"
	case errors.Is(err, ErrEmptyIndex):
		return "index_empty"
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrBookNotFound):
		return "not_found"
	case errors.Is(err, ErrCorruptIndex):
		return "index_corruption"
	case errors.Is(err, ErrInvalidK):
		return "invalid_argument"
	}

	var mf *ErrMissingField
	if errors.As(err, &mf) {
		return "missing_field"
	}
	var dm *ErrDimensionMismatch
	if errors.As(err, &dm) {
		return "dimension_mismatch"
	}

	return "internal"
}
