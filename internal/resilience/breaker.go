// Package resilience provides the circuit breaker and failover primitives that
// sit between the scheduling pipeline and its external backends.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// stops a flapping extraction or optimization backend from absorbing every
// request. [FallbackGroup] layers per-entry breakers over an ordered list of
// interchangeable backends so the next healthy one is tried automatically.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] while the breaker is open
// and the cool-down has not yet elapsed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrBreakerOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successes
	// close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the consecutive-failure count in the closed state that
	// trips the breaker. Default: 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open before admitting probes.
	// Default: 30s.
	CoolDown time.Duration

	// ProbeQuota is the number of half-open probe calls allowed before the
	// breaker decides to close or re-open. Default: 3.
	ProbeQuota int
}

// Breaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	probeQuota  int

	mu          sync.Mutex
	state       State
	failStreak  int
	lastFailure time.Time
	probeCalls  int
	probeFails  int
}

// NewBreaker creates a [Breaker] from cfg, substituting defaults for any
// zero-value fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		probeQuota:  cfg.ProbeQuota,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn. In the half-open state only the probe
// quota of calls is admitted.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.coolDown {
			b.state = StateHalfOpen
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("circuit breaker transitioning to half-open",
				"name", b.name)
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}

	case StateHalfOpen:
		if b.probeCalls >= b.probeQuota {
			// Probe quota exhausted; stay open until a verdict is reached.
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure(probing)
	} else {
		b.recordSuccess(probing)
	}
	return err
}

// recordFailure handles failure accounting. Caller must hold b.mu.
func (b *Breaker) recordFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		// Any half-open failure re-opens immediately.
		b.state = StateOpen
		b.failStreak = b.maxFailures
		slog.Warn("circuit breaker re-opened from half-open",
			"name", b.name)
		return
	}

	b.failStreak++
	if b.failStreak >= b.maxFailures {
		b.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.failStreak)
	}
}

// recordSuccess handles success accounting. Caller must hold b.mu.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		successes := b.probeCalls - b.probeFails
		if successes >= b.probeQuota {
			b.state = StateClosed
			b.failStreak = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("circuit breaker closed after successful probes",
				"name", b.name)
		}
		return
	}

	// A closed-state success resets the streak.
	b.failStreak = 0
}

// State returns the current [State]. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the actual transition happens on the next
// [Breaker.Execute] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failStreak = 0
	b.probeCalls = 0
	b.probeFails = 0
	slog.Info("circuit breaker manually reset", "name", b.name)
}
