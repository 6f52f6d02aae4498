package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

const requiredFields = 5

// Canonicalize deterministically converts a raw extraction answer into one
// pre-optimization ScheduleEntry plus its audit metadata.
//
// The answer must contain at least five comma-separated segments, each
// non-empty after trimming. ScanType is the trimmed fifth segment; Priority is
// the digits-only filter of the third segment. ScanID, Duration, PatientID and
// check-in date/time come from the session defaults, not from the answer, and
// StartTime is left empty for the optimizer to assign.
//
// The function performs no I/O. On any parse failure it returns a
// *MalformedExtractionError and zero-valued records.
func Canonicalize(rawAnswer string, defaults Defaults) (ScheduleEntry, ExtractionFields, error) {
	parts := strings.Split(rawAnswer, ",")
	if len(parts) < requiredFields {
		return ScheduleEntry{}, ExtractionFields{}, &MalformedExtractionError{
			Reason:    fmt.Sprintf("expected %d comma-separated fields, got %d", requiredFields, len(parts)),
			RawAnswer: rawAnswer,
		}
	}

	for i := range requiredFields {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return ScheduleEntry{}, ExtractionFields{}, &MalformedExtractionError{
				Reason:    fmt.Sprintf("field %d is empty", i+1),
				RawAnswer: rawAnswer,
			}
		}
	}

	priorityDigits := digitsOnly(parts[2])
	if priorityDigits == "" {
		return ScheduleEntry{}, ExtractionFields{}, &MalformedExtractionError{
			Reason:    fmt.Sprintf("severity index %q contains no digit", parts[2]),
			RawAnswer: rawAnswer,
		}
	}
	priority, err := strconv.Atoi(priorityDigits)
	if err != nil {
		return ScheduleEntry{}, ExtractionFields{}, &MalformedExtractionError{
			Reason:    fmt.Sprintf("severity index %q does not yield an integer priority", parts[2]),
			RawAnswer: rawAnswer,
		}
	}

	scanType := parts[4]

	fields := ExtractionFields{
		Location:      parts[0],
		Description:   parts[1],
		SeverityIndex: parts[2],
		MaxWaitHours:  waitHours(parts[3]),
		MachineType:   scanType,
	}

	entry := ScheduleEntry{
		ScanID:      defaults.ScanID,
		ScanType:    scanType,
		Duration:    defaults.Duration,
		Priority:    priority,
		PatientID:   defaults.PatientID,
		CheckInDate: defaults.CheckInDate,
		CheckInTime: defaults.CheckInTime,
		Machine:     RecognizeModality(scanType),
	}

	return entry, fields, nil
}

// digitsOnly strips every non-digit rune from s.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// waitHours extracts the numeric wait window from a field like "24" or
// "24 hours". The value is audit metadata, so an answer with no digits maps
// to 0 rather than failing the whole parse.
func waitHours(s string) int {
	d := digitsOnly(s)
	if d == "" {
		return 0
	}
	n, err := strconv.Atoi(d)
	if err != nil {
		return 0
	}
	return n
}
