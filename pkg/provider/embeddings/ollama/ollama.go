// Package ollama implements the embeddings.Provider interface using a local
// Ollama server's /api/embed endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kliniq/scanplan/pkg/provider/embeddings"
)

// Provider implements embeddings.Provider against an Ollama server.
type Provider struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

var _ embeddings.Provider = (*Provider)(nil)

// Option configures the Provider.
type Option func(*config)

type config struct {
	timeout    time.Duration
	dimensions int
}

// WithTimeout sets the per-request timeout. Defaults to 60 seconds; local
// models can be slow on first load.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions overrides the reported vector dimensionality for models not
// in the built-in table.
func WithDimensions(n int) Option {
	return func(c *config) {
		c.dimensions = n
	}
}

// New creates an Ollama embeddings provider. baseURL is the server address
// (e.g., "http://localhost:11434") and model is the embedding model name
// (e.g., "nomic-embed-text").
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama embeddings: base URL must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}

	cfg := config{timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	dims := cfg.dimensions
	if dims == 0 {
		dims = modelDimensions(model)
	}

	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dims,
		httpClient: &http.Client{Timeout: cfg.timeout},
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed computes the embedding vector for a single text string.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch computes embedding vectors for multiple texts in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("ollama embeddings: texts must not be empty")
	}

	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embeddings: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: expected %d vectors, got %d", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}

// Dimensions returns the embedding vector length for the configured model.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID returns the configured embedding model name.
func (p *Provider) ModelID() string {
	return p.model
}

func modelDimensions(model string) int {
	// Strip any tag suffix like ":latest".
	name, _, _ := strings.Cut(model, ":")
	switch name {
	case "nomic-embed-text":
		return 768
	case "mxbai-embed-large":
		return 1024
	case "all-minilm":
		return 384
	case "snowflake-arctic-embed":
		return 1024
	default:
		return 768
	}
}
