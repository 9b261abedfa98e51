package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultRemoteTimeout bounds one extraction call.
const DefaultRemoteTimeout = 120 * time.Second

// Remote sends the file to a Tika-style extraction service that answers with
// the document's plain text.
type Remote struct {
	URL    string
	Client *http.Client
}

var _ Extractor = (*Remote)(nil)

// NewRemote creates a remote extractor for the given endpoint.
func NewRemote(url string) *Remote {
	return &Remote{
		URL:    url,
		Client: &http.Client{Timeout: DefaultRemoteTimeout},
	}
}

// Extract uploads the file and returns the service's text response.
func (r *Remote) Extract(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("extract: open %s: %w", path, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.URL, f)
	if err != nil {
		return "", fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: call %s: %w", r.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("extract: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extract: service returned status %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}
