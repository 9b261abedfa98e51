// Package extract pulls plain text out of uploaded document files.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Extractor extracts the full text of a document file.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// ErrUnsupportedType reports a file extension no extractor handles.
type ErrUnsupportedType struct {
	Ext string
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("extract: unsupported file type %q", e.Ext)
}

// ForFile picks an extractor based on the file extension.
func ForFile(filename string) (Extractor, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".txt", ".text", ".md":
		return Plain{}, nil
	case ".pdf":
		return PDF{}, nil
	default:
		return nil, &ErrUnsupportedType{Ext: ext}
	}
}
