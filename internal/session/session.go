// Package session holds per-encounter workflow state for the scheduling
// pipeline.
//
// One Session models one patient encounter from transcript capture through
// optimized schedule. The Store maps session ids to Sessions and enforces the
// concurrency discipline the pipeline relies on: atomic updates, read-only
// snapshots, and a per-session in-flight guard so overlapping transitions on
// the same session fail fast instead of corrupting state. Each session
// exclusively owns its transcript, extraction fields and entries; nothing is
// shared across sessions.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/kliniq/scanplan/internal/schedule"
)

// Sentinel errors returned by the Store.
var (
	// ErrNotFound indicates the session id has no live session.
	ErrNotFound = errors.New("session: not found")

	// ErrConcurrentModification indicates another transition is already in
	// flight for the session. Callers should retry after backoff.
	ErrConcurrentModification = errors.New("session: concurrent modification")
)

// State is the lifecycle state of a Session.
type State string

// Session lifecycle states. A session moves Empty → Recorded → Extracted →
// Optimized; Failed is terminal for the current transcript and reachable from
// any state.
const (
	StateEmpty     State = "empty"
	StateRecorded  State = "recorded"
	StateExtracted State = "extracted"
	StateOptimized State = "optimized"
	StateFailed    State = "failed"
)

// FailKind classifies why a session entered StateFailed.
type FailKind string

const (
	// FailValidation marks extraction output that did not parse into the
	// canonical five-field shape. Recovery requires a new transcript.
	FailValidation FailKind = "validation"
)

// Session is the unit of workflow state for one patient encounter. Values
// returned by Store.Get and Store.CreateOrGet are snapshots; mutations go
// through Store.Update exclusively.
type Session struct {
	ID          string
	State       State
	FailureKind FailKind

	// Transcript is the captured clinical narrative, immutable between
	// record calls.
	Transcript string

	// RawAnswer is the unmodified extraction backend output, kept for audit.
	RawAnswer string

	// Extraction holds the parsed five-field metadata.
	Extraction schedule.ExtractionFields

	// Entries is the ordered scan batch, pre- or post-optimization depending
	// on State.
	Entries []schedule.ScheduleEntry

	// Defaults are the session-scoped entry defaults, generated once on first
	// record and stable across repeated Process calls.
	Defaults schedule.Defaults

	// LastError is a human-readable detail for the most recent failure.
	LastError string

	// CreatedAt and UpdatedAt bound the session's TTL.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the session has reached a state that stops the
// TTL janitor from applying the full retention window.
func (s *Session) Terminal() bool {
	return s.State == StateOptimized || s.State == StateFailed
}

// clone returns a deep copy so snapshots never alias store-owned slices.
func (s *Session) clone() *Session {
	cp := *s
	if s.Entries != nil {
		cp.Entries = make([]schedule.ScheduleEntry, len(s.Entries))
		copy(cp.Entries, s.Entries)
	}
	return &cp
}

// PreconditionError reports a transition attempted from a state that does not
// permit it.
type PreconditionError struct {
	SessionID string
	Operation string
	Expected  []State
	Actual    State
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("session %s: %s requires state %v, currently %s",
		e.SessionID, e.Operation, e.Expected, e.Actual)
}
