// Package mock provides a configurable mock implementation of the
// extract.Extractor interface for testing.
package mock

import (
	"context"
	"sync"

	"github.com/kliniq/scanplan/internal/extract"
)

// Extractor is a mock extraction backend. Configure via the exported fields
// before use; the zero value returns the canonical worked example.
type Extractor struct {
	mu sync.Mutex

	// ExtractFunc, if set, overrides all other behavior.
	ExtractFunc func(ctx context.Context, narrative string) (string, error)

	// Answer is returned when ExtractFunc and Err are unset. Defaults to
	// "Head,Acute stroke,P1,24,MRI".
	Answer string

	// Err, if set, is returned by Extract.
	Err error

	// Calls records every narrative passed to Extract.
	Calls []string
}

var _ extract.Extractor = (*Extractor)(nil)

// Extract records the call and returns the configured answer or error.
func (m *Extractor) Extract(ctx context.Context, narrative string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, narrative)
	fn, answer, err := m.ExtractFunc, m.Answer, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, narrative)
	}
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "Head,Acute stroke,P1,24,MRI", nil
	}
	return answer, nil
}

// CallCount returns the number of recorded Extract calls.
func (m *Extractor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
