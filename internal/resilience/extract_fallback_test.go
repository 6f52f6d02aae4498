package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/kliniq/scanplan/internal/extract"
)

// stubExtractor returns a fixed answer or error.
type stubExtractor struct {
	answer string
	err    error
	calls  int
}

func (s *stubExtractor) Extract(_ context.Context, _ string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func TestExtractorFallback_PrimaryWins(t *testing.T) {
	t.Parallel()

	primary := &stubExtractor{answer: "Head,Acute stroke,P1,24,MRI"}
	secondary := &stubExtractor{answer: "Chest,Pneumonia,P2,48,CT"}

	ef := NewExtractorFallback(primary, "rag", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	ef.AddFallback("rag-backup", secondary)

	got, err := ef.Extract(context.Background(), "narrative")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Head,Acute stroke,P1,24,MRI" {
		t.Fatalf("answer = %q, want primary's answer", got)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.calls)
	}
}

func TestExtractorFallback_FailoverOnUnavailable(t *testing.T) {
	t.Parallel()

	primary := &stubExtractor{err: extract.ErrUnavailable}
	secondary := &stubExtractor{answer: "Chest,Pneumonia,P2,48,CT"}

	ef := NewExtractorFallback(primary, "rag", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	ef.AddFallback("rag-backup", secondary)

	got, err := ef.Extract(context.Background(), "narrative")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Chest,Pneumonia,P2,48,CT" {
		t.Fatalf("answer = %q, want secondary's answer", got)
	}
	if primary.calls != 1 {
		t.Fatalf("primary called %d times, want 1", primary.calls)
	}
}

func TestExtractorFallback_AllFailPreservesTaxonomy(t *testing.T) {
	t.Parallel()

	primary := &stubExtractor{err: extract.ErrUnavailable}

	ef := NewExtractorFallback(primary, "rag", FallbackConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})

	_, err := ef.Extract(context.Background(), "narrative")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, extract.ErrUnavailable) {
		t.Fatalf("err = %v, want wrapped extract.ErrUnavailable", err)
	}
}
