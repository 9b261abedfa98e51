// Package search orchestrates retrieval-augmented answering: classify the
// query, embed it, retrieve the closest chunks, then generate a grounded
// answer from the top snippets.
package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bookshelfai/shelfrag"
	"github.com/bookshelfai/shelfrag/catalog"
	"github.com/bookshelfai/shelfrag/provider"
)

// Defaults for retrieval.
const (
	DefaultTopK = 5
	// contextSize is how many top matches feed the generation prompt.
	contextSize = 4
)

// Canned answers for paths where generation is skipped or fails.
const (
	answerNoDocuments      = "No indexed documents available yet."
	answerGenerationFailed = "Failed to call LLM for final answer. Returning retrieved snippets."
	answerChitchatFailed   = "I'm BookShelf-AI. I can chat and answer book questions from our library. " +
		"Try asking by title, author, genre, or other filters."
)

var greetRE = regexp.MustCompile(`(?i)\b(hi|hello|hey|hola|namaste|good (morning|afternoon|evening))\b`)

// Request is one search query.
type Request struct {
	Query string

	// UploaderID, when set, restricts retrieval to that uploader's documents.
	UploaderID string

	// TopK is the number of chunks to retrieve (default 5).
	TopK int
}

// Result is one retrieved chunk.
type Result struct {
	VectorID string               `json:"vector_id"`
	Score    float32              `json:"score"`
	Meta     catalog.VectorRecord `json:"meta"`
}

// Response is the answer plus its supporting chunks.
type Response struct {
	Answer  string   `json:"answer"`
	Results []Result `json:"results"`
	Intent  string   `json:"intent,omitempty"`
}

// Options contains configuration options for the orchestrator.
type Options struct {
	// Logger receives structured logs. Defaults to a noop logger.
	Logger *shelfrag.Logger
}

// Orchestrator answers queries against the indexed corpus.
type Orchestrator struct {
	manager   *shelfrag.IndexManager
	embedder  provider.Embedder
	generator provider.Generator
	logger    *shelfrag.Logger
}

// NewOrchestrator creates a search orchestrator.
func NewOrchestrator(manager *shelfrag.IndexManager, embedder provider.Embedder, generator provider.Generator, optFns ...func(o *Options)) *Orchestrator {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = shelfrag.NoopLogger()
	}
	return &Orchestrator{
		manager:   manager,
		embedder:  embedder,
		generator: generator,
		logger:    opts.Logger,
	}
}

// Query runs the full pipeline. Empty-corpus queries answer with a canned
// message rather than an error; a failed generation degrades to the retrieved
// snippets with a canned answer.
func (o *Orchestrator) Query(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, shelfrag.ErrEmptyQuery
	}

	if greetRE.MatchString(query) {
		return o.chitchat(ctx, query), nil
	}

	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	var matches []shelfrag.Match
	if req.UploaderID != "" {
		matches, err = o.manager.SearchScoped(ctx, vec, topK, req.UploaderID)
	} else {
		matches, err = o.manager.Search(ctx, vec, topK)
	}
	switch {
	case errors.Is(err, shelfrag.ErrEmptyIndex):
		return &Response{Answer: answerNoDocuments, Results: []Result{}}, nil
	case err != nil:
		return nil, err
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{VectorID: m.VectorID, Score: m.Score, Meta: m.Record}
	}

	answer, err := o.generator.Generate(ctx, buildPrompt(query, results))
	if err != nil {
		o.logger.Error("generation failed, returning snippets only", "error", err)
		answer = answerGenerationFailed
	}

	return &Response{Answer: answer, Results: results}, nil
}

// chitchat answers greetings without touching the index.
func (o *Orchestrator) chitchat(ctx context.Context, query string) *Response {
	prompt := "You are BookShelf-AI. Be friendly and concise. You can chat generally, " +
		"but you specialize in books from our library.\n\nUser: " + query

	answer, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		o.logger.Error("chitchat generation failed", "error", err)
		answer = answerChitchatFailed
	}
	return &Response{Answer: answer, Results: []Result{}, Intent: "chitchat"}
}

// buildPrompt assembles the grounded generation prompt from the top matches.
func buildPrompt(query string, results []Result) string {
	n := min(contextSize, len(results))

	var snippets []string
	for _, r := range results[:n] {
		snippets = append(snippets, fmt.Sprintf(
			"TITLE: %s\nAUTHOR: %s\nTEXT_SNIPPET: %s\n---",
			r.Meta.Title, r.Meta.Author, r.Meta.Text))
	}

	return "You are BookShelf-AI. Use the following document snippets from our library to answer the user's question. " +
		"Do not hallucinate: if the answer is not present in the snippets, say you don't know.\n\n" +
		"CONTEXT SNIPPETS:\n" + strings.Join(snippets, "\n") + "\n\n" +
		"User question: " + query + "\n\n" +
		"Answer concisely and mention which snippet(s) you used (by title or upload_id) if relevant."
}
