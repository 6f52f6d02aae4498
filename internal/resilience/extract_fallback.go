package resilience

import (
	"context"

	"github.com/kliniq/scanplan/internal/extract"
)

// ExtractorFallback implements [extract.Extractor] with automatic failover
// across multiple extraction backends. Each backend has its own breaker; when
// the primary fails or its breaker is open, the next healthy fallback is
// tried.
//
// The underlying backend error stays inspectable through errors.Is, so the
// pipeline's unavailable/timeout classification survives the failover wrap.
type ExtractorFallback struct {
	group *FallbackGroup[extract.Extractor]
}

var _ extract.Extractor = (*ExtractorFallback)(nil)

// NewExtractorFallback creates an [ExtractorFallback] with primary as the
// preferred backend.
func NewExtractorFallback(primary extract.Extractor, primaryName string, cfg FallbackConfig) *ExtractorFallback {
	return &ExtractorFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional extraction backend.
func (f *ExtractorFallback) AddFallback(name string, extractor extract.Extractor) {
	f.group.AddFallback(name, extractor)
}

// Extract asks the first healthy backend for the raw answer. If the primary
// fails, subsequent fallbacks are tried in registration order.
func (f *ExtractorFallback) Extract(ctx context.Context, narrative string) (string, error) {
	return ExecuteWithResult(f.group, func(e extract.Extractor) (string, error) {
		return e.Extract(ctx, narrative)
	})
}
