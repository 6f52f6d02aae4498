// Package mock provides a configurable mock implementation of the
// optimize.Optimizer interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kliniq/scanplan/internal/optimize"
	"github.com/kliniq/scanplan/internal/schedule"
)

// Optimizer is a mock optimizer. The zero value echoes its input with start
// times assigned in batch order, mimicking the minimal contract of the real
// service.
type Optimizer struct {
	mu sync.Mutex

	// OptimizeFunc, if set, overrides all other behavior.
	OptimizeFunc func(ctx context.Context, entries []schedule.ScheduleEntry) ([]optimize.RawEntry, error)

	// Raw, if non-nil, is returned verbatim by Optimize.
	Raw []optimize.RawEntry

	// Err, if set, is returned by Optimize.
	Err error

	// Calls records every batch passed to Optimize.
	Calls [][]schedule.ScheduleEntry
}

var _ optimize.Optimizer = (*Optimizer)(nil)

// Optimize records the call and returns the configured output, or an echo of
// the input with sequential start times when nothing is configured.
func (m *Optimizer) Optimize(ctx context.Context, entries []schedule.ScheduleEntry) ([]optimize.RawEntry, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, entries)
	fn, raw, err := m.OptimizeFunc, m.Raw, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, entries)
	}
	if err != nil {
		return nil, err
	}
	if raw != nil {
		return raw, nil
	}

	out := make([]optimize.RawEntry, len(entries))
	for i, e := range entries {
		out[i] = optimize.RawEntry{
			ScanID:      e.ScanID,
			ScanType:    e.ScanType,
			Duration:    optimize.FlexInt{Raw: fmt.Sprintf("%d", e.Duration)},
			Priority:    optimize.FlexInt{Raw: fmt.Sprintf("%d", e.Priority)},
			PatientID:   e.PatientID,
			CheckInDate: e.CheckInDate,
			CheckInTime: e.CheckInTime,
			StartTime:   fmt.Sprintf("%02d:00", 9+i),
			Machine:     e.Machine,
		}
	}
	return out, nil
}

// CallCount returns the number of recorded Optimize calls.
func (m *Optimizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
