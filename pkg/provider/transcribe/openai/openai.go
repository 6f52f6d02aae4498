// Package openai implements the transcribe.Provider interface using OpenAI's
// audio transcription API (whisper-1).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kliniq/scanplan/pkg/provider/transcribe"
)

const defaultModel = "whisper-1"

// Provider implements transcribe.Provider using OpenAI's hosted Whisper.
type Provider struct {
	client oai.Client
	model  string
}

var _ transcribe.Provider = (*Provider)(nil)

// Option configures the Provider.
type Option func(*config)

type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// WithBaseURL overrides the API base URL. Useful for Azure OpenAI or
// OpenAI-compatible transcription servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel overrides the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets the per-request timeout. Defaults to 120 seconds; uploads
// of longer dictations can take a while on slow links.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New creates an OpenAI transcription provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcribe: API key must not be empty")
	}

	cfg := config{model: defaultModel, timeout: 120 * time.Second}
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
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Transcribe uploads the audio file and returns the transcript text.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("openai transcribe: audio must not be empty")
	}
	if filename == "" {
		filename = "audio.wav"
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  oai.File(bytes.NewReader(audio), filename, "application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcribe: request failed: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}

// ModelID returns the configured transcription model.
func (p *Provider) ModelID() string {
	return p.model
}
