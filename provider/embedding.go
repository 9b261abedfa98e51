package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Embedding client defaults.
const (
	DefaultBatchSize        = 64
	DefaultEmbeddingTimeout = 60 * time.Second
)

// EmbeddingConfig configures an EmbeddingClient.
type EmbeddingConfig struct {
	// URL is the full embeddings endpoint, e.g.
	// https://api.openai.com/v1/embeddings or http://localhost:11434/api/embed.
	URL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Model is the embedding model name passed through to the provider.
	Model string

	// BatchSize is the maximum number of texts per request (default 64).
	BatchSize int

	// Timeout is the per-request timeout (default 60s).
	Timeout time.Duration

	// RequestsPerSecond rate-limits outgoing calls. Zero means unlimited.
	RequestsPerSecond float64

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// EmbeddingClient calls an HTTP embedding service in bounded batches.
type EmbeddingClient struct {
	client    *http.Client
	url       string
	apiKey    string
	model     string
	batchSize int
	limiter   *rate.Limiter
}

var _ Embedder = (*EmbeddingClient)(nil)

// NewEmbeddingClient creates an embedding client.
func NewEmbeddingClient(cfg EmbeddingConfig) (*EmbeddingClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("embedding: URL is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultEmbeddingTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &EmbeddingClient{
		client:    client,
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		limiter:   limiter,
	}, nil
}

// embeddingRequest is the outgoing request shape.
type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

// Embed generates one embedding.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &Error{Provider: "embedding", Kind: KindBadResponse, Message: "no embedding returned"}
	}
	return out[0], nil
}

// EmbedBatch embeds all texts, splitting into requests of at most the
// configured batch size. Results are in input order.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		batch, err := c.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, &Error{
				Provider: "embedding",
				Kind:     KindBadResponse,
				Message:  fmt.Sprintf("asked for %d embeddings, got %d", end-start, len(batch)),
			}
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *EmbeddingClient) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: "embedding", Kind: KindUnavailable, Message: err.Error(), cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: "embedding", Kind: KindUnavailable, Message: err.Error(), cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Provider:   "embedding",
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	vectors, err := parseEmbeddings(respBody)
	if err != nil {
		return nil, &Error{Provider: "embedding", Kind: KindBadResponse, Message: err.Error(), cause: err}
	}
	return vectors, nil
}

// parseEmbeddings accepts the known response shapes:
//
//	{"data": [{"embedding": [...], "index": 0}, ...]}   OpenAI
//	{"embeddings": [[...], ...]}                        Ollama and friends
//	{"embedding": [...]}                                single-vector services
//	[[...], ...]                                        bare array
//
// Anything else is an error; guessing at unknown shapes corrupts the index.
func parseEmbeddings(body []byte) ([][]float32, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var bare [][]float32
		if err := json.Unmarshal(trimmed, &bare); err != nil {
			return nil, fmt.Errorf("decode bare array: %w", err)
		}
		return checkEmbeddings(bare)
	}

	var envelope struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Embeddings [][]float32 `json:"embeddings"`
		Embedding  []float32   `json:"embedding"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch {
	case len(envelope.Data) > 0:
		out := make([][]float32, len(envelope.Data))
		for _, item := range envelope.Data {
			if item.Index < 0 || item.Index >= len(out) {
				return nil, fmt.Errorf("embedding index %d out of range", item.Index)
			}
			out[item.Index] = item.Embedding
		}
		return checkEmbeddings(out)
	case len(envelope.Embeddings) > 0:
		return checkEmbeddings(envelope.Embeddings)
	case len(envelope.Embedding) > 0:
		return checkEmbeddings([][]float32{envelope.Embedding})
	default:
		return nil, fmt.Errorf("unrecognized embedding response shape")
	}
}

// checkEmbeddings rejects responses carrying empty vectors or vectors of
// mixed widths; either one would poison the index downstream.
func checkEmbeddings(vectors [][]float32) ([][]float32, error) {
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		if len(vec) != len(vectors[0]) {
			return nil, fmt.Errorf("embedding length mismatch: index %d has %d values, index 0 has %d", i, len(vec), len(vectors[0]))
		}
	}
	return vectors, nil
}
