// Package mock provides a configurable mock implementation of the
// embeddings.Provider interface for testing.
package mock

import (
	"context"
	"sync"

	"github.com/kliniq/scanplan/pkg/provider/embeddings"
)

// Provider is a mock embeddings provider. All fields may be set before use;
// the zero value returns deterministic fixed-size vectors.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, overrides the default behavior of Embed and
	// EmbedBatch (called once per input text).
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedErr, if set, is returned by Embed and EmbedBatch.
	EmbedErr error

	// Dims is the vector dimensionality to report and generate. Defaults to 8.
	Dims int

	// Model is the model identifier to report. Defaults to "mock-embed".
	Model string

	// EmbedCalls records every text passed to Embed or EmbedBatch.
	EmbedCalls []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns a deterministic vector derived from the
// text, unless EmbedFunc or EmbedErr is set.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	fn, errOverride := p.EmbedFunc, p.EmbedErr
	dims := p.dims()
	p.mu.Unlock()

	if errOverride != nil {
		return nil, errOverride
	}
	if fn != nil {
		return fn(ctx, text)
	}
	return deterministicVector(text, dims), nil
}

// EmbedBatch calls Embed for each text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimensions returns the configured dimensionality.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns the configured model identifier.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// CallCount returns the number of recorded embed calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

func (p *Provider) dims() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

// deterministicVector produces a stable pseudo-vector from the text so tests
// get identical vectors for identical inputs.
func deterministicVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	var h uint32 = 2166136261
	for _, b := range []byte(text) {
		h ^= uint32(b)
		h *= 16777619
	}
	for i := range vec {
		h ^= uint32(i)
		h *= 16777619
		vec[i] = float32(h%1000)/1000.0 - 0.5
	}
	return vec
}
