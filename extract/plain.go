package extract

import (
	"context"
	"fmt"
	"os"
)

// Plain reads a text file as-is.
type Plain struct{}

var _ Extractor = Plain{}

// Extract returns the file contents.
func (Plain) Extract(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("extract: read %s: %w", path, err)
	}
	return string(data), nil
}
