// Package optimize defines the Optimizer capability interface and the
// wire-format validation applied to optimizer output.
//
// The optimizer is an external collaborator: it receives the ordered
// pre-optimization scan batch and returns the batch with start times assigned
// and possibly reordered. Its output is untrusted; Normalize performs the
// total conversion from loosely typed wire entries back into typed
// ScheduleEntry values, failing with a FormatError rather than passing
// half-valid records downstream.
package optimize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kliniq/scanplan/internal/schedule"
)

// ErrUnavailable indicates a transport failure reaching the optimizer
// service. The session's entries are preserved; the call is retryable.
var ErrUnavailable = errors.New("optimize: service unavailable")

// Optimizer schedules an ordered batch of scan entries. Implementations must
// be safe for concurrent use across sessions.
type Optimizer interface {
	Optimize(ctx context.Context, entries []schedule.ScheduleEntry) ([]RawEntry, error)
}

// FlexInt is an integer that unmarshals from either a JSON number or a JSON
// string. Optimizer implementations vary in how they serialize numerics.
type FlexInt struct {
	// Raw is the textual form as received; empty means the field was absent.
	Raw string
}

// UnmarshalJSON accepts 30, "30" and null.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		f.Raw = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		f.Raw = strings.TrimSpace(unquoted)
		return nil
	}
	f.Raw = s
	return nil
}

// MarshalJSON emits the raw text as a JSON number when it parses as one,
// otherwise as a string.
func (f FlexInt) MarshalJSON() ([]byte, error) {
	if _, err := strconv.Atoi(f.Raw); err == nil {
		return []byte(f.Raw), nil
	}
	return json.Marshal(f.Raw)
}

// RawEntry is one optimizer output record before validation.
type RawEntry struct {
	ScanID      string  `json:"scan_id"`
	ScanType    string  `json:"scan_type"`
	Duration    FlexInt `json:"duration"`
	Priority    FlexInt `json:"priority"`
	PatientID   string  `json:"patient_id"`
	CheckInDate string  `json:"check_in_date"`
	CheckInTime string  `json:"check_in_time"`
	StartTime   string  `json:"start_time"`
	Machine     string  `json:"machine"`
}

// FormatError reports optimizer output that fails validation. The session's
// pre-optimization entries are unchanged, so re-invoking optimize is safe.
type FormatError struct {
	// Index is the position of the offending entry in the optimizer output.
	Index int
	// Field names the missing or unparseable field.
	Field string
	// Reason describes the defect.
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("optimize: entry %d: field %s: %s", e.Index, e.Field, e.Reason)
}

// Normalize converts optimizer output into typed ScheduleEntry values.
//
// Every entry must carry scan_id, scan_type, patient_id, check_in date/time
// and a start_time, and its duration and priority must parse as integers
// (duration > 0, priority >= 1). Scan ids must be unique within the batch.
// A missing machine is not an error: it defaults to the entry's scan_type.
// The first defect aborts the whole batch with a *FormatError; no partial
// result is returned.
func Normalize(raw []RawEntry) ([]schedule.ScheduleEntry, error) {
	entries := make([]schedule.ScheduleEntry, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))

	for i, r := range raw {
		for _, required := range []struct{ name, value string }{
			{"scan_id", r.ScanID},
			{"scan_type", r.ScanType},
			{"patient_id", r.PatientID},
			{"check_in_date", r.CheckInDate},
			{"check_in_time", r.CheckInTime},
			{"start_time", r.StartTime},
		} {
			if strings.TrimSpace(required.value) == "" {
				return nil, &FormatError{Index: i, Field: required.name, Reason: "missing"}
			}
		}

		scanID := strings.TrimSpace(r.ScanID)
		if _, dup := seen[scanID]; dup {
			return nil, &FormatError{Index: i, Field: "scan_id", Reason: fmt.Sprintf("duplicate %q", scanID)}
		}
		seen[scanID] = struct{}{}

		duration, err := parsePositive(r.Duration.Raw, 1)
		if err != nil {
			return nil, &FormatError{Index: i, Field: "duration", Reason: err.Error()}
		}
		priority, err := parsePositive(r.Priority.Raw, 1)
		if err != nil {
			return nil, &FormatError{Index: i, Field: "priority", Reason: err.Error()}
		}

		machine := strings.TrimSpace(r.Machine)
		if machine == "" {
			machine = strings.TrimSpace(r.ScanType)
		}

		entries = append(entries, schedule.ScheduleEntry{
			ScanID:      scanID,
			ScanType:    strings.TrimSpace(r.ScanType),
			Duration:    duration,
			Priority:    priority,
			PatientID:   strings.TrimSpace(r.PatientID),
			CheckInDate: strings.TrimSpace(r.CheckInDate),
			CheckInTime: strings.TrimSpace(r.CheckInTime),
			StartTime:   strings.TrimSpace(r.StartTime),
			Machine:     machine,
		})
	}

	return entries, nil
}

// parsePositive parses s as an integer no smaller than minimum.
func parsePositive(s string, minimum int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, errors.New("missing")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if n < minimum {
		return 0, fmt.Errorf("must be >= %d, got %d", minimum, n)
	}
	return n, nil
}
