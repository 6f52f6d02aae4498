package schedule

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
)

// Duration bounds (minutes) for generated scan durations.
const (
	minDuration = 15
	maxDuration = 60
)

// Defaults carries the per-session fields a ScheduleEntry needs that the
// extraction backend does not emit. They are generated once per session and
// stay stable across repeated Process calls, so re-processing a transcript
// yields the same scan identity. Callers may supply their own values on
// record; FillMissing completes whatever they left blank.
type Defaults struct {
	ScanID      string `json:"scan_id,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	CheckInDate string `json:"check_in_date,omitempty"`
	CheckInTime string `json:"check_in_time,omitempty"`
}

// FillMissing populates every zero-valued field with a generated default:
// a ULID-based scan id, a duration between 15 and 60 minutes, a numeric
// patient id, and check-in date/time derived from now.
func (d Defaults) FillMissing(now time.Time) Defaults {
	if d.ScanID == "" {
		d.ScanID = "S" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if d.Duration <= 0 {
		d.Duration = minDuration + rand.IntN(maxDuration-minDuration+1)
	}
	if d.PatientID == "" {
		d.PatientID = fmt.Sprintf("%d", rand.IntN(10))
	}
	if d.CheckInDate == "" {
		d.CheckInDate = now.Format("2006-01-02")
	}
	if d.CheckInTime == "" {
		d.CheckInTime = fmt.Sprintf("%02d:%02d", rand.IntN(24), rand.IntN(60))
	}
	return d
}
