// Package provider holds the HTTP clients for the external embedding and text
// generation services. Both speak OpenAI-compatible JSON but tolerate the
// common self-hosted response shapes as well.
package provider

import (
	"context"
	"fmt"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Kind classifies a provider failure.
type Kind string

const (
	// KindAuth means the provider rejected our credentials.
	KindAuth Kind = "auth"
	// KindRateLimit means the provider throttled us.
	KindRateLimit Kind = "rate_limit"
	// KindUnavailable means the provider was unreachable or returned 5xx.
	KindUnavailable Kind = "unavailable"
	// KindBadResponse means the provider answered with a shape we don't know.
	KindBadResponse Kind = "bad_response"
	// KindRequest covers every other rejected request.
	KindRequest Kind = "request"
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether retrying the same request can succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindUnavailable
}

// kindForStatus maps an HTTP status to a failure kind.
func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindUnavailable
	default:
		return KindRequest
	}
}
