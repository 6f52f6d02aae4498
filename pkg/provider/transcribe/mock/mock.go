// Package mock provides a configurable mock implementation of the
// transcribe.Provider interface for testing.
package mock

import (
	"context"
	"sync"

	"github.com/kliniq/scanplan/pkg/provider/transcribe"
)

// Call records the arguments of a single Transcribe invocation.
type Call struct {
	Audio    []byte
	Filename string
}

// Provider is a mock transcription provider. Configure via the exported
// fields before use; the zero value returns a fixed narrative.
type Provider struct {
	mu sync.Mutex

	// TranscribeFunc, if set, overrides all other behavior.
	TranscribeFunc func(ctx context.Context, audio []byte, filename string) (string, error)

	// Text is returned by Transcribe when TranscribeFunc and Err are unset.
	// Defaults to a short clinical narrative.
	Text string

	// Err, if set, is returned by Transcribe.
	Err error

	// Model is the model identifier to report. Defaults to "mock-whisper".
	Model string

	// Calls records every Transcribe invocation.
	Calls []Call
}

var _ transcribe.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured text or error.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Audio: audio, Filename: filename})
	fn, text, err := p.TranscribeFunc, p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio, filename)
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		return "the patient suffered an acute stroke with no further complications", nil
	}
	return text, nil
}

// ModelID returns the configured model identifier.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-whisper"
	}
	return p.Model
}

// CallCount returns the number of recorded Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
