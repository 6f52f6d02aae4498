package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kliniq/scanplan/internal/extract"
	extractmock "github.com/kliniq/scanplan/internal/extract/mock"
	"github.com/kliniq/scanplan/internal/observe"
	"github.com/kliniq/scanplan/internal/optimize"
	optmock "github.com/kliniq/scanplan/internal/optimize/mock"
	"github.com/kliniq/scanplan/internal/schedule"
	"github.com/kliniq/scanplan/internal/session"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newOrchestrator(t *testing.T, ex extract.Extractor, opt optimize.Optimizer, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append(opts, WithMetrics(testMetrics(t)))
	o, err := New(session.NewStore(), ex, opt, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o := newOrchestrator(t, &extractmock.Extractor{}, &optmock.Optimizer{})

	snap, err := o.Record(ctx, "enc-1", "the patient suffered an acute stroke with no further complications", schedule.Defaults{})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if snap.State != session.StateRecorded {
		t.Errorf("state after record = %s, want %s", snap.State, session.StateRecorded)
	}
	if snap.Defaults.ScanID == "" || snap.Defaults.Duration < 15 || snap.Defaults.Duration > 60 {
		t.Errorf("defaults not generated: %+v", snap.Defaults)
	}

	snap, err = o.Process(ctx, "enc-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if snap.State != session.StateExtracted {
		t.Errorf("state after process = %s, want %s", snap.State, session.StateExtracted)
	}
	if snap.RawAnswer != "Head,Acute stroke,P1,24,MRI" {
		t.Errorf("RawAnswer = %q", snap.RawAnswer)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].ScanType != "MRI" || snap.Entries[0].Priority != 1 {
		t.Errorf("entries = %+v", snap.Entries)
	}
	if snap.Extraction.Location != "Head" || snap.Extraction.MaxWaitHours != 24 {
		t.Errorf("extraction metadata = %+v", snap.Extraction)
	}

	snap, err = o.Optimize(ctx, "enc-1")
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if snap.State != session.StateOptimized {
		t.Errorf("state after optimize = %s, want %s", snap.State, session.StateOptimized)
	}
	if snap.Entries[0].StartTime == "" {
		t.Error("optimizer did not assign a start time")
	}
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &extractmock.Extractor{}, &optmock.Optimizer{})
	for _, transcript := range []string{"", "   \n\t"} {
		if _, err := o.Record(context.Background(), "enc-1", transcript, schedule.Defaults{}); !errors.Is(err, ErrInvalidTranscript) {
			t.Errorf("Record(%q) error = %v, want ErrInvalidTranscript", transcript, err)
		}
	}
}

func TestOrderEnforcement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o := newOrchestrator(t, &extractmock.Extractor{}, &optmock.Optimizer{})

	// Process before record: the session does not exist yet.
	if _, err := o.Process(ctx, "enc-1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Process before record error = %v, want ErrNotFound", err)
	}

	mustRecord(t, o, "enc-1")

	// Optimize from Recorded.
	_, err := o.Optimize(ctx, "enc-1")
	var pre *session.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("Optimize from Recorded error = %v, want PreconditionError", err)
	}
	if pre.Operation != "optimize" || pre.Actual != session.StateRecorded {
		t.Errorf("PreconditionError = %+v", pre)
	}

	// Process twice: second call is a wrong-state transition.
	if _, err := o.Process(ctx, "enc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := o.Process(ctx, "enc-1"); !errors.As(err, &pre) {
		t.Errorf("second Process error = %v, want PreconditionError", err)
	}

	// Record from Extracted is rejected; entries are already derived from the
	// previous transcript.
	if _, err := o.Record(ctx, "enc-1", "new narrative", schedule.Defaults{}); !errors.As(err, &pre) {
		t.Errorf("Record from Extracted error = %v, want PreconditionError", err)
	}
}

func TestExtractionUnavailableKeepsRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ex := &extractmock.Extractor{Err: extract.ErrUnavailable}
	o := newOrchestrator(t, ex, &optmock.Optimizer{})
	mustRecord(t, o, "enc-1")

	if _, err := o.Process(ctx, "enc-1"); !errors.Is(err, extract.ErrUnavailable) {
		t.Fatalf("Process error = %v, want ErrUnavailable", err)
	}

	snap, _ := o.Snapshot("enc-1")
	if snap.State != session.StateRecorded {
		t.Errorf("state = %s, want still %s", snap.State, session.StateRecorded)
	}

	// The backend recovers; the same transcript processes fine.
	ex.Err = nil
	if _, err := o.Process(ctx, "enc-1"); err != nil {
		t.Errorf("retry Process: %v", err)
	}
}

func TestMalformedExtractionFailsTerminally(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o := newOrchestrator(t, &extractmock.Extractor{Answer: "Torso,Internal bleeding,P2,"}, &optmock.Optimizer{})
	mustRecord(t, o, "enc-1")

	_, err := o.Process(ctx, "enc-1")
	var malformed *schedule.MalformedExtractionError
	if !errors.As(err, &malformed) {
		t.Fatalf("Process error = %v, want MalformedExtractionError", err)
	}

	snap, _ := o.Snapshot("enc-1")
	if snap.State != session.StateFailed || snap.FailureKind != session.FailValidation {
		t.Errorf("session = %s/%s, want failed/validation", snap.State, snap.FailureKind)
	}
	if snap.RawAnswer != "Torso,Internal bleeding,P2," {
		t.Errorf("raw answer not kept for audit: %q", snap.RawAnswer)
	}

	// Retrying process without a new transcript is a precondition violation.
	var pre *session.PreconditionError
	if _, err := o.Process(ctx, "enc-1"); !errors.As(err, &pre) {
		t.Errorf("Process from failed error = %v, want PreconditionError", err)
	}

	// A new transcript recovers the session.
	if _, err := o.Record(ctx, "enc-1", "re-dictated narrative", schedule.Defaults{}); err != nil {
		t.Fatalf("Record after failure: %v", err)
	}
	snap, _ = o.Snapshot("enc-1")
	if snap.State != session.StateRecorded || snap.FailureKind != "" || snap.RawAnswer != "" {
		t.Errorf("failure state not cleared on re-record: %+v", snap)
	}
}

func TestOptimizerFormatErrorKeepsExtracted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opt := &optmock.Optimizer{Raw: []optimize.RawEntry{{ScanID: "S1"}}}
	o := newOrchestrator(t, &extractmock.Extractor{}, opt)
	mustRecord(t, o, "enc-1")
	if _, err := o.Process(ctx, "enc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	_, err := o.Optimize(ctx, "enc-1")
	var fe *optimize.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Optimize error = %v, want FormatError", err)
	}

	snap, _ := o.Snapshot("enc-1")
	if snap.State != session.StateExtracted {
		t.Errorf("state = %s, want still %s", snap.State, session.StateExtracted)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].StartTime != "" {
		t.Errorf("pre-optimization entries were disturbed: %+v", snap.Entries)
	}

	// A corrected optimizer response retries cleanly.
	opt.Raw = nil
	if _, err := o.Optimize(ctx, "enc-1"); err != nil {
		t.Errorf("retry Optimize: %v", err)
	}
}

func TestOptimizerOmittedMachineDefaultsToScanType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opt := &optmock.Optimizer{
		OptimizeFunc: func(_ context.Context, entries []schedule.ScheduleEntry) ([]optimize.RawEntry, error) {
			e := entries[0]
			return []optimize.RawEntry{{
				ScanID:      e.ScanID,
				ScanType:    e.ScanType,
				Duration:    optimize.FlexInt{Raw: "30"},
				Priority:    optimize.FlexInt{Raw: "1"},
				PatientID:   e.PatientID,
				CheckInDate: e.CheckInDate,
				CheckInTime: e.CheckInTime,
				StartTime:   "10:00",
			}}, nil
		},
	}
	o := newOrchestrator(t, &extractmock.Extractor{}, opt)
	mustRecord(t, o, "enc-1")
	if _, err := o.Process(ctx, "enc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	snap, err := o.Optimize(ctx, "enc-1")
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if snap.Entries[0].Machine != "MRI" {
		t.Errorf("Machine = %q, want scan_type default %q", snap.Entries[0].Machine, "MRI")
	}
}

func TestExtractionTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ex := &extractmock.Extractor{
		ExtractFunc: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	o := newOrchestrator(t, ex, &optmock.Optimizer{}, WithExtractTimeout(20*time.Millisecond))
	mustRecord(t, o, "enc-1")

	if _, err := o.Process(ctx, "enc-1"); !errors.Is(err, ErrExternalTimeout) {
		t.Fatalf("Process error = %v, want ErrExternalTimeout", err)
	}

	snap, _ := o.Snapshot("enc-1")
	if snap.State != session.StateRecorded || snap.RawAnswer != "" || snap.Entries != nil {
		t.Errorf("timeout left a partial write: %+v", snap)
	}
}

func TestConcurrentProcessSameSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	release := make(chan struct{})
	ex := &extractmock.Extractor{
		ExtractFunc: func(context.Context, string) (string, error) {
			<-release
			return "Head,Acute stroke,P1,24,MRI", nil
		},
	}
	o := newOrchestrator(t, ex, &optmock.Optimizer{})
	mustRecord(t, o, "enc-1")

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	var once sync.Once
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Let the first caller reach the extractor before the rest pile in.
			once.Do(func() {
				go func() {
					time.Sleep(50 * time.Millisecond)
					close(release)
				}()
			})
			_, errs[i] = o.Process(ctx, "enc-1")
		}()
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, session.ErrConcurrentModification):
			conflicted++
		default:
			var pre *session.PreconditionError
			if !errors.As(err, &pre) {
				t.Errorf("unexpected error: %v", err)
			}
		}
	}
	if succeeded != 1 {
		t.Errorf("successful Process calls = %d, want exactly 1", succeeded)
	}
	if conflicted == 0 {
		t.Error("no caller observed ErrConcurrentModification")
	}

	snap, _ := o.Snapshot("enc-1")
	if snap.State != session.StateExtracted || len(snap.Entries) != 1 {
		t.Errorf("session left inconsistent: %+v", snap)
	}
}

func TestSessionIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ex := &extractmock.Extractor{
		ExtractFunc: func(_ context.Context, narrative string) (string, error) {
			// Echo enough of the narrative to detect cross-session leakage.
			if narrative == "stroke narrative" {
				return "Head,Acute stroke,P1,24,MRI", nil
			}
			return "Torso,Internal bleeding,P2,6,CT", nil
		},
	}
	o := newOrchestrator(t, ex, &optmock.Optimizer{})

	var wg sync.WaitGroup
	for _, tc := range []struct{ id, narrative string }{
		{"enc-a", "stroke narrative"},
		{"enc-b", "bleeding narrative"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Record(ctx, tc.id, tc.narrative, schedule.Defaults{}); err != nil {
				t.Errorf("Record %s: %v", tc.id, err)
				return
			}
			if _, err := o.Process(ctx, tc.id); err != nil {
				t.Errorf("Process %s: %v", tc.id, err)
			}
		}()
	}
	wg.Wait()

	a, _ := o.Snapshot("enc-a")
	b, _ := o.Snapshot("enc-b")
	if a.Transcript != "stroke narrative" || a.Entries[0].ScanType != "MRI" {
		t.Errorf("session a corrupted: %+v", a)
	}
	if b.Transcript != "bleeding narrative" || b.Entries[0].ScanType != "CT" {
		t.Errorf("session b corrupted: %+v", b)
	}
	if a.Defaults.ScanID == b.Defaults.ScanID {
		t.Error("sessions share generated scan ids")
	}
}

func TestCallerSuppliedDefaultsAreStable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o := newOrchestrator(t, &extractmock.Extractor{}, &optmock.Optimizer{})

	supplied := schedule.Defaults{ScanID: "S42", PatientID: "7", CheckInDate: "2026-09-01"}
	snap, err := o.Record(ctx, "enc-1", "narrative", supplied)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if snap.Defaults.ScanID != "S42" || snap.Defaults.PatientID != "7" {
		t.Errorf("supplied defaults not honored: %+v", snap.Defaults)
	}
	generated := snap.Defaults

	// Re-record without defaults: previous values stay stable.
	snap, err = o.Record(ctx, "enc-1", "corrected narrative", schedule.Defaults{})
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if snap.Defaults != generated {
		t.Errorf("defaults changed across re-record: %+v vs %+v", snap.Defaults, generated)
	}
}

func mustRecord(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	if _, err := o.Record(context.Background(), id, "the patient suffered an acute stroke with no further complications", schedule.Defaults{}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestProviderMetricsRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ex := &extractmock.Extractor{}
	o, err := New(session.NewStore(), ex, &optmock.Optimizer{}, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mustRecord(t, o, "enc-1")
	if _, err := o.Process(ctx, "enc-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := o.Optimize(ctx, "enc-1"); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	ex.Err = extract.ErrUnavailable
	mustRecord(t, o, "enc-2")
	if _, err := o.Process(ctx, "enc-2"); !errors.Is(err, extract.ErrUnavailable) {
		t.Fatalf("Process error = %v, want ErrUnavailable", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	for _, tc := range []struct {
		name  string
		attrs map[string]string
		want  int64
	}{
		{"scanplan.provider.requests", map[string]string{"provider": "extractor", "kind": "extract", "status": "ok"}, 1},
		{"scanplan.provider.requests", map[string]string{"provider": "optimizer", "kind": "optimize", "status": "ok"}, 1},
		{"scanplan.provider.requests", map[string]string{"provider": "extractor", "kind": "extract", "status": "error"}, 1},
		{"scanplan.provider.errors", map[string]string{"provider": "extractor", "kind": "extract"}, 1},
	} {
		if got := counterValue(t, rm, tc.name, tc.attrs); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.name, tc.attrs, got, tc.want)
		}
	}
}

// counterValue returns the value of the int64 sum data point of the named
// metric whose attributes contain all of want.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
		points:
			for _, dp := range sum.DataPoints {
				for k, v := range want {
					if got, _ := dp.Attributes.Value(attribute.Key(k)); got.AsString() != v {
						continue points
					}
				}
				return dp.Value
			}
		}
	}
	return 0
}
