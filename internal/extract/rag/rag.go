// Package rag implements the extract.Extractor interface with
// retrieval-augmented generation: the narrative is embedded, the nearest
// guidance chunks are fetched from the knowledge store, and an LLM produces
// the five-field answer with those chunks as context.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/kliniq/scanplan/internal/extract"
	"github.com/kliniq/scanplan/internal/knowledge"
	"github.com/kliniq/scanplan/pkg/provider/embeddings"
	"github.com/kliniq/scanplan/pkg/provider/llm"
)

const defaultTopK = 4

// Searcher is the slice of the knowledge store the extractor needs. Satisfied
// by *knowledge.Store.
type Searcher interface {
	Search(ctx context.Context, corpus string, embedding []float32, topK int) ([]knowledge.Result, error)
}

var _ Searcher = (*knowledge.Store)(nil)

// Option configures an Extractor.
type Option func(*Extractor)

// WithTopK sets how many guidance chunks are retrieved per narrative.
// Defaults to 4.
func WithTopK(k int) Option {
	return func(e *Extractor) {
		e.topK = k
	}
}

// Extractor is the production retrieval+generation extraction backend.
// It is stateless between calls and safe for concurrent use.
type Extractor struct {
	llm      llm.Provider
	embedder embeddings.Provider
	searcher Searcher
	corpus   string
	topK     int
}

var _ extract.Extractor = (*Extractor)(nil)

// New creates an Extractor that retrieves context from the named corpus.
func New(llmProvider llm.Provider, embedder embeddings.Provider, searcher Searcher, corpus string, opts ...Option) (*Extractor, error) {
	if llmProvider == nil {
		return nil, fmt.Errorf("rag: llm provider must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("rag: embeddings provider must not be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("rag: searcher must not be nil")
	}
	if corpus == "" {
		return nil, fmt.Errorf("rag: corpus must not be empty")
	}

	e := &Extractor{
		llm:      llmProvider,
		embedder: embedder,
		searcher: searcher,
		corpus:   corpus,
		topK:     defaultTopK,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Extract embeds the narrative, retrieves the nearest guidance chunks, and
// asks the LLM for the comma-delimited five-field answer at temperature 0.
// Transport failures at any stage map to extract.ErrUnavailable; an empty
// completion maps to extract.ErrEmptyResponse.
func (e *Extractor) Extract(ctx context.Context, narrative string) (string, error) {
	vec, err := e.embedder.Embed(ctx, narrative)
	if err != nil {
		return "", fmt.Errorf("rag: embed narrative: %w: %w", extract.ErrUnavailable, err)
	}

	results, err := e.searcher.Search(ctx, e.corpus, vec, e.topK)
	if err != nil {
		return "", fmt.Errorf("rag: search corpus %s: %w: %w", e.corpus, extract.ErrUnavailable, err)
	}

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: contextPrompt(results),
		Messages: []llm.Message{
			{Role: "user", Content: extract.BuildPrompt(narrative)},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("rag: completion: %w: %w", extract.ErrUnavailable, err)
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("rag: %w", extract.ErrEmptyResponse)
	}
	return answer, nil
}

// contextPrompt folds the retrieved guidance into a system prompt. With no
// results the model still answers from the narrative alone.
func contextPrompt(results []knowledge.Result) string {
	var b strings.Builder
	b.WriteString("You are a clinical imaging scheduling assistant. ")
	b.WriteString("Use the following scheduling guidance when determining severity, wait time, and machine type.\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\nGuidance %d:\n%s\n", i+1, r.Chunk.Content)
	}
	return b.String()
}
