// Package openai implements the embeddings.Provider interface using OpenAI's
// embeddings API.
package openai

import (
	"context"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kliniq/scanplan/pkg/provider/embeddings"
)

// Provider implements embeddings.Provider using OpenAI's embeddings endpoint.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

var _ embeddings.Provider = (*Provider)(nil)

// Option configures the Provider.
type Option func(*config)

type config struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API base URL. Useful for Azure OpenAI or
// OpenAI-compatible embedding servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets the per-request timeout. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New creates an OpenAI embeddings provider for the given model.
//
// Known models and their dimensions:
//   - text-embedding-3-small: 1536
//   - text-embedding-3-large: 3072
//   - text-embedding-ada-002: 1536
//
// Unknown models default to 1536 dimensions.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: API key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai embeddings: model must not be empty")
	}

	cfg := config{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(cfg.timeout),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		dimensions: modelDimensions(model),
	}, nil
}

// Embed computes the embedding vector for a single text string.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch computes embedding vectors for multiple texts in one API call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("openai embeddings: texts must not be empty")
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(p.model),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			return nil, fmt.Errorf("openai embeddings: vector index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	return vectors, nil
}

// Dimensions returns the embedding vector length for the configured model.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID returns the configured embedding model identifier.
func (p *Provider) ModelID() string {
	return p.model
}

func modelDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}
