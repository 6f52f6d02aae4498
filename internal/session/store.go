package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default lifecycle parameters for the Store.
const (
	// defaultTTL is how long an idle session survives before the janitor
	// evicts it.
	defaultTTL = 30 * time.Minute

	// defaultTerminalRetention is the shorter window applied once a session
	// reaches Optimized or Failed, keeping it readable for a final audit
	// fetch without pinning memory.
	defaultTerminalRetention = 10 * time.Minute

	// janitorInterval is how often the eviction sweep runs.
	janitorInterval = 1 * time.Minute
)

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithTTL sets how long an idle session survives before eviction.
// Defaults to 30 minutes.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithTerminalRetention sets how long an Optimized or Failed session remains
// readable before eviction. Defaults to 10 minutes.
func WithTerminalRetention(d time.Duration) Option {
	return func(s *Store) {
		s.terminalRetention = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEvictionHook registers a callback invoked with the number of sessions
// removed by each janitor sweep. Used to keep the active-sessions gauge
// honest. The hook runs outside the store lock.
func WithEvictionHook(hook func(evicted int)) Option {
	return func(s *Store) {
		s.onEvict = hook
	}
}

// Store maps session ids to live Sessions. All methods are safe for
// concurrent use. The store-wide mutex covers only map bookkeeping; it is
// never held across a caller-supplied mutator or any network operation.
type Store struct {
	ttl               time.Duration
	terminalRetention time.Duration
	now               func() time.Time
	onEvict           func(evicted int)

	mu       sync.Mutex
	sessions map[string]*Session
	inFlight map[string]struct{}
}

// NewStore creates an empty Store with the supplied options applied.
func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:               defaultTTL,
		terminalRetention: defaultTerminalRetention,
		now:               time.Now,
		sessions:          make(map[string]*Session),
		inFlight:          make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrGet returns a snapshot of the session for id, creating a fresh
// session in StateEmpty when none exists. The second return value reports
// whether the session was created by this call. Idempotent.
func (s *Store) CreateOrGet(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.clone(), false
	}

	now := s.now()
	sess := &Session{
		ID:        id,
		State:     StateEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
	return sess.clone(), true
}

// Get returns a read-only snapshot of the session for id, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess.clone(), nil
}

// Update applies mutate to the session for id atomically. The mutator runs on
// a private copy; the result replaces the stored session only when mutate
// returns nil, so a failed mutation leaves no partial write. Returns
// ErrNotFound when the id has no session and ErrConcurrentModification when a
// guarded transition is in flight for the same id (see Begin).
func (s *Store) Update(id string, mutate func(*Session) error) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	working := sess.clone()
	s.mu.Unlock()

	if err := mutate(working); err != nil {
		return err
	}
	working.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	// The session may have been evicted while the mutator ran.
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.sessions[id] = working
	return nil
}

// Begin marks a transition as in flight for id. A second Begin for the same
// id before End fails with ErrConcurrentModification, which is how overlapping
// Process/Optimize calls on one session fail fast instead of interleaving.
// Different ids are never serialized against each other.
func (s *Store) Begin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if _, busy := s.inFlight[id]; busy {
		return fmt.Errorf("session %s: %w", id, ErrConcurrentModification)
	}
	s.inFlight[id] = struct{}{}
	return nil
}

// End clears the in-flight mark set by Begin. Safe to call when no mark is
// present.
func (s *Store) End(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunJanitor periodically evicts expired sessions until ctx is cancelled.
// Intended to run as a background goroutine from main.
func (s *Store) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.evictExpired(); evicted > 0 {
				slog.Debug("evicted expired sessions", "count", evicted, "remaining", s.Len())
			}
		}
	}
}

// evictExpired removes sessions whose retention window has passed. Sessions
// with an in-flight transition are skipped; they are collected on a later
// sweep once the transition ends.
func (s *Store) evictExpired() int {
	now := s.now()

	s.mu.Lock()
	evicted := 0
	for id, sess := range s.sessions {
		if _, busy := s.inFlight[id]; busy {
			continue
		}
		window := s.ttl
		if sess.Terminal() {
			window = s.terminalRetention
		}
		if now.Sub(sess.UpdatedAt) >= window {
			delete(s.sessions, id)
			evicted++
		}
	}
	hook := s.onEvict
	s.mu.Unlock()

	if evicted > 0 && hook != nil {
		hook(evicted)
	}
	return evicted
}
