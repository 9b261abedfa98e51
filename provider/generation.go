package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultGenerationTimeout bounds one generation call.
const DefaultGenerationTimeout = 120 * time.Second

// GenerationConfig configures a GenerationClient.
type GenerationConfig struct {
	// URL is the full completion endpoint, e.g.
	// https://api.openai.com/v1/chat/completions or http://localhost:11434/api/generate.
	URL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Model is the generation model name.
	Model string

	// Timeout is the per-request timeout (default 120s).
	Timeout time.Duration

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// GenerationClient calls an HTTP text generation service.
type GenerationClient struct {
	client *http.Client
	url    string
	apiKey string
	model  string
}

var _ Generator = (*GenerationClient)(nil)

// NewGenerationClient creates a generation client.
func NewGenerationClient(cfg GenerationConfig) (*GenerationClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("generation: URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultGenerationTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &GenerationClient{
		client: client,
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}, nil
}

// generationRequest carries the prompt both as a chat message list and as a
// plain prompt field so chat and completion endpoints both accept it.
type generationRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Prompt   string        `json:"prompt"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate sends the prompt and returns the answer text.
func (c *GenerationClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generationRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Prompt:   prompt,
	})
	if err != nil {
		return "", fmt.Errorf("generation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Provider: "generation", Kind: KindUnavailable, Message: err.Error(), cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Provider: "generation", Kind: KindUnavailable, Message: err.Error(), cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Provider:   "generation",
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	answer, err := parseAnswer(respBody)
	if err != nil {
		return "", &Error{Provider: "generation", Kind: KindBadResponse, Message: err.Error(), cause: err}
	}
	return answer, nil
}

// parseAnswer accepts the known response shapes:
//
//	{"choices": [{"message": {"content": "..."}}]}   OpenAI chat
//	{"choices": [{"text": "..."}]}                   OpenAI completion
//	{"response": "..."}                              Ollama
//	{"answer": "..."} or {"text": "..."}             simple services
func parseAnswer(body []byte) (string, error) {
	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Response string `json:"response"`
		Answer   string `json:"answer"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var answer string
	switch {
	case len(envelope.Choices) > 0 && envelope.Choices[0].Message.Content != "":
		answer = envelope.Choices[0].Message.Content
	case len(envelope.Choices) > 0 && envelope.Choices[0].Text != "":
		answer = envelope.Choices[0].Text
	case envelope.Response != "":
		answer = envelope.Response
	case envelope.Answer != "":
		answer = envelope.Answer
	case envelope.Text != "":
		answer = envelope.Text
	default:
		return "", fmt.Errorf("unrecognized generation response shape")
	}
	return strings.TrimSpace(answer), nil
}
