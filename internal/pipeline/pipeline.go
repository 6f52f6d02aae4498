// Package pipeline implements the session state machine that sequences
// Record → Process → Optimize.
//
// Each operation checks its precondition against the session's current state,
// performs any external call outside the store lock with a bounded timeout,
// and commits the transition atomically. A failed or cancelled external call
// leaves the session exactly as it was; no transition is ever half applied.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kliniq/scanplan/internal/extract"
	"github.com/kliniq/scanplan/internal/observe"
	"github.com/kliniq/scanplan/internal/optimize"
	"github.com/kliniq/scanplan/internal/schedule"
	"github.com/kliniq/scanplan/internal/session"
)

// Default bounds on external calls.
const (
	defaultExtractTimeout  = 60 * time.Second
	defaultOptimizeTimeout = 30 * time.Second
)

// Sentinel errors returned by pipeline operations.
var (
	// ErrInvalidTranscript indicates an empty or missing transcript at record.
	ErrInvalidTranscript = errors.New("pipeline: invalid transcript")

	// ErrExternalTimeout indicates an external call exceeded its bounded
	// timeout. The session state is unchanged; the call is retryable.
	ErrExternalTimeout = errors.New("pipeline: external call timed out")
)

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithExtractTimeout bounds the extraction backend call. Defaults to 60s.
func WithExtractTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.extractTimeout = d
	}
}

// WithOptimizeTimeout bounds the optimizer call. Defaults to 30s.
func WithOptimizeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.optimizeTimeout = d
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator drives sessions through the scheduling state machine. It is
// the sole mutator of session state. Safe for concurrent use; overlapping
// operations on one session fail fast with session.ErrConcurrentModification
// while distinct sessions proceed fully in parallel.
type Orchestrator struct {
	store     *session.Store
	extractor extract.Extractor
	optimizer optimize.Optimizer
	metrics   *observe.Metrics

	extractTimeout  time.Duration
	optimizeTimeout time.Duration
	now             func() time.Time
}

// New creates an Orchestrator over the given store and collaborators.
func New(store *session.Store, extractor extract.Extractor, optimizer optimize.Optimizer, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("pipeline: store must not be nil")
	}
	if extractor == nil {
		return nil, errors.New("pipeline: extractor must not be nil")
	}
	if optimizer == nil {
		return nil, errors.New("pipeline: optimizer must not be nil")
	}

	o := &Orchestrator{
		store:           store,
		extractor:       extractor,
		optimizer:       optimizer,
		extractTimeout:  defaultExtractTimeout,
		optimizeTimeout: defaultOptimizeTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Record captures a transcript for the session, creating the session when it
// does not exist yet. Valid from Empty and Recorded (re-recording overwrites)
// and from Failed, which is how a validation failure is recovered: a new
// transcript resets the session to Recorded and clears the failure.
//
// defaults supplies caller-chosen entry fields; anything left blank is filled
// with generated values on first record and kept stable afterwards. Returns
// the post-transition snapshot.
func (o *Orchestrator) Record(ctx context.Context, sessionID, transcript string, defaults schedule.Defaults) (*session.Session, error) {
	if strings.TrimSpace(transcript) == "" {
		o.metrics.RecordTransition(ctx, "record", "invalid")
		return nil, fmt.Errorf("%w: transcript is empty", ErrInvalidTranscript)
	}

	_, created := o.store.CreateOrGet(sessionID)
	if created {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}

	if err := o.store.Begin(sessionID); err != nil {
		o.metrics.RecordTransition(ctx, "record", "conflict")
		return nil, err
	}
	defer o.store.End(sessionID)

	err := o.store.Update(sessionID, func(s *session.Session) error {
		switch s.State {
		case session.StateEmpty, session.StateRecorded, session.StateFailed:
		default:
			return &session.PreconditionError{
				SessionID: sessionID,
				Operation: "record",
				Expected:  []session.State{session.StateEmpty, session.StateRecorded, session.StateFailed},
				Actual:    s.State,
			}
		}

		s.Transcript = transcript
		s.Defaults = mergeDefaults(defaults, s.Defaults).FillMissing(o.now())
		s.State = session.StateRecorded
		s.FailureKind = ""
		s.LastError = ""
		s.RawAnswer = ""
		s.Extraction = schedule.ExtractionFields{}
		s.Entries = nil
		return nil
	})
	if err != nil {
		o.metrics.RecordTransition(ctx, "record", "precondition")
		return nil, err
	}

	o.metrics.RecordTransition(ctx, "record", "ok")
	observe.Logger(ctx).Info("transcript recorded",
		"session_id", sessionID,
		"transcript_len", len(transcript),
	)
	return o.store.Get(sessionID)
}

// Process runs extraction and canonicalization for the session. Valid only
// from Recorded. On a transport failure or timeout the session stays
// Recorded and the call is retryable; on a malformed answer the session moves
// to Failed(validation) and needs a new transcript. Returns the
// post-transition snapshot.
func (o *Orchestrator) Process(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := o.store.Begin(sessionID); err != nil {
		o.metrics.RecordTransition(ctx, "process", "conflict")
		return nil, err
	}
	defer o.store.End(sessionID)

	snap, err := o.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.State != session.StateRecorded {
		o.metrics.RecordTransition(ctx, "process", "precondition")
		return nil, &session.PreconditionError{
			SessionID: sessionID,
			Operation: "process",
			Expected:  []session.State{session.StateRecorded},
			Actual:    snap.State,
		}
	}

	// The external call runs against the snapshot only; nothing is written
	// until it succeeds.
	callCtx, cancel := context.WithTimeout(ctx, o.extractTimeout)
	defer cancel()

	start := o.now()
	rawAnswer, err := o.extractor.Extract(callCtx, snap.Transcript)
	o.metrics.ExtractDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordProviderRequest(ctx, "extractor", "extract", outcome(err))
	if err != nil {
		o.metrics.RecordProviderError(ctx, "extractor", "extract")
		o.metrics.RecordTransition(ctx, "process", "error")
		return nil, o.mapExternalError(ctx, "extraction", sessionID, callCtx, err)
	}

	entry, fields, err := schedule.Canonicalize(rawAnswer, snap.Defaults)
	if err != nil {
		var malformed *schedule.MalformedExtractionError
		if errors.As(err, &malformed) {
			o.metrics.RecordTransition(ctx, "process", "malformed")
			if uerr := o.store.Update(sessionID, func(s *session.Session) error {
				s.State = session.StateFailed
				s.FailureKind = session.FailValidation
				s.RawAnswer = rawAnswer
				s.LastError = malformed.Error()
				return nil
			}); uerr != nil {
				return nil, errors.Join(err, uerr)
			}
		}
		return nil, err
	}

	if err := o.store.Update(sessionID, func(s *session.Session) error {
		s.State = session.StateExtracted
		s.RawAnswer = rawAnswer
		s.Extraction = fields
		s.Entries = []schedule.ScheduleEntry{entry}
		return nil
	}); err != nil {
		return nil, err
	}

	o.metrics.RecordTransition(ctx, "process", "ok")
	observe.Logger(ctx).Info("extraction complete",
		"session_id", sessionID,
		"location", fields.Location,
		"description", fields.Description,
		"severity_index", fields.SeverityIndex,
		"max_wait_hours", fields.MaxWaitHours,
		"machine_type", fields.MachineType,
	)
	return o.store.Get(sessionID)
}

// Optimize forwards the session's entries to the optimizer and stores the
// validated result. Valid only from Extracted. On a transport failure,
// timeout, or format defect in the optimizer output the session stays
// Extracted with its entries unchanged, so re-invoking Optimize is safe.
// Returns the post-transition snapshot.
func (o *Orchestrator) Optimize(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := o.store.Begin(sessionID); err != nil {
		o.metrics.RecordTransition(ctx, "optimize", "conflict")
		return nil, err
	}
	defer o.store.End(sessionID)

	snap, err := o.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.State != session.StateExtracted {
		o.metrics.RecordTransition(ctx, "optimize", "precondition")
		return nil, &session.PreconditionError{
			SessionID: sessionID,
			Operation: "optimize",
			Expected:  []session.State{session.StateExtracted},
			Actual:    snap.State,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.optimizeTimeout)
	defer cancel()

	start := o.now()
	raw, err := o.optimizer.Optimize(callCtx, snap.Entries)
	o.metrics.OptimizeDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordProviderRequest(ctx, "optimizer", "optimize", outcome(err))
	if err != nil {
		o.metrics.RecordProviderError(ctx, "optimizer", "optimize")
		o.metrics.RecordTransition(ctx, "optimize", "error")
		return nil, o.mapExternalError(ctx, "optimizer", sessionID, callCtx, err)
	}

	entries, err := optimize.Normalize(raw)
	if err != nil {
		// Entries are preserved; the caller may retry optimize as-is.
		o.metrics.RecordTransition(ctx, "optimize", "format_error")
		observe.Logger(ctx).Warn("optimizer output rejected",
			"session_id", sessionID,
			"error", err,
		)
		return nil, err
	}

	if err := o.store.Update(sessionID, func(s *session.Session) error {
		s.State = session.StateOptimized
		s.Entries = entries
		return nil
	}); err != nil {
		return nil, err
	}

	o.metrics.RecordTransition(ctx, "optimize", "ok")
	observe.Logger(ctx).Info("schedule optimized",
		"session_id", sessionID,
		"entries", len(entries),
	)
	return o.store.Get(sessionID)
}

// Snapshot returns a read-only view of the session for audit output.
func (o *Orchestrator) Snapshot(sessionID string) (*session.Session, error) {
	return o.store.Get(sessionID)
}

// mapExternalError distinguishes our bounded timeout from caller
// cancellation and passes service errors through for the HTTP layer to map.
func (o *Orchestrator) mapExternalError(ctx context.Context, service, sessionID string, callCtx context.Context, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		observe.Logger(ctx).Warn("external call timed out",
			"session_id", sessionID,
			"service", service,
		)
		return fmt.Errorf("%s: %w", service, ErrExternalTimeout)
	}
	slog.Debug("external call failed", "session_id", sessionID, "service", service, "error", err)
	return err
}

// outcome maps an external-call result onto the provider request status label.
func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// mergeDefaults overlays caller-supplied values on top of the session's
// existing defaults. Supplied fields win; everything else stays stable.
func mergeDefaults(supplied, existing schedule.Defaults) schedule.Defaults {
	out := existing
	if supplied.ScanID != "" {
		out.ScanID = supplied.ScanID
	}
	if supplied.Duration > 0 {
		out.Duration = supplied.Duration
	}
	if supplied.PatientID != "" {
		out.PatientID = supplied.PatientID
	}
	if supplied.CheckInDate != "" {
		out.CheckInDate = supplied.CheckInDate
	}
	if supplied.CheckInTime != "" {
		out.CheckInTime = supplied.CheckInTime
	}
	return out
}
