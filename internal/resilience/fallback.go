package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the breaker created for each backend in a
// [FallbackGroup]. The breaker Name is overwritten per backend.
type FallbackConfig struct {
	Breaker BreakerConfig
}

// fallbackEntry pairs a backend with its dedicated breaker, so one flapping
// extraction backend cannot poison the health tracking of the others.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup holds a primary backend and an ordered chain of substitutes.
// When extraction (or any other guarded call) fails on the primary, the next
// backend whose breaker is closed gets the same call; the caller sees an error
// only when the whole chain is exhausted.
//
// Registration is not synchronised: add all fallbacks during startup, before
// the group serves requests. After that the group is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a substitute backend. Substitutes are tried in the order
// they were added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	bCfg := fg.cfg.Breaker
	bCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bCfg),
	})
}

// Execute runs fn against each backend in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each backend in order until one succeeds,
// returning its result. On exhaustion the last failure is double-wrapped under
// [ErrAllFailed], so sentinel checks against the underlying backend error
// (errors.Is) still hold for the caller. A package-level function because Go
// does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logFailover(entry.name, err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func logFailover(backend string, err error) {
	if errors.Is(err, ErrBreakerOpen) {
		slog.Debug("extraction backend skipped, breaker open", "backend", backend)
		return
	}
	slog.Warn("extraction backend failed, trying next", "backend", backend, "error", err)
}
