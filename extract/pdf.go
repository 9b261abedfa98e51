package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDF extracts text from PDF files.
type PDF struct{}

var _ Extractor = PDF{}

// Extract concatenates the plain text of all pages.
func (PDF) Extract(_ context.Context, path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("extract: open pdf %s: %w", path, err)
	}
	defer f.Close()

	text, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract: read pdf %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("extract: read pdf %s: %w", path, err)
	}
	return buf.String(), nil
}
