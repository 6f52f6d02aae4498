// Package schedule defines the typed scan-scheduling records and the
// canonicalizer that converts raw extraction answers into them.
//
// The extraction backend returns a single comma-delimited line of five fields
// (location, description, severity index, max wait hours, machine type). This
// package owns the total parse of that line: either a fully populated
// ScheduleEntry plus its audit metadata, or a MalformedExtractionError. No
// best-effort partial records are ever produced.
package schedule

import "fmt"

// ExtractionFields holds the five raw fields parsed from the extraction
// backend's comma-delimited answer. Location, Description and MaxWaitHours are
// audit metadata; SeverityIndex and MachineType feed the ScheduleEntry's
// Priority and ScanType.
type ExtractionFields struct {
	Location      string `json:"location"`
	Description   string `json:"description"`
	SeverityIndex string `json:"severity_index"`
	MaxWaitHours  int    `json:"max_wait_hours"`
	MachineType   string `json:"machine_type"`
}

// ScheduleEntry is the canonical unit consumed by the optimizer and returned
// to clients. StartTime is empty until the optimizer assigns it; Machine
// defaults to ScanType when the optimizer omits it.
type ScheduleEntry struct {
	ScanID      string `json:"scan_id"`
	ScanType    string `json:"scan_type"`
	Duration    int    `json:"duration"`
	Priority    int    `json:"priority"`
	PatientID   string `json:"patient_id"`
	CheckInDate string `json:"check_in_date"`
	CheckInTime string `json:"check_in_time"`
	StartTime   string `json:"start_time"`
	Machine     string `json:"machine"`
}

// MalformedExtractionError reports a raw answer that does not parse into the
// five-field canonical shape. It is terminal for the current transcript; the
// caller must re-record before retrying.
type MalformedExtractionError struct {
	// Reason describes what made the answer unparseable.
	Reason string
	// RawAnswer is the offending extraction output, kept for diagnostics.
	RawAnswer string
}

func (e *MalformedExtractionError) Error() string {
	return fmt.Sprintf("schedule: malformed extraction: %s", e.Reason)
}
