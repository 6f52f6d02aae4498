package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testDefaults = Defaults{
	ScanID:      "S01ABC",
	Duration:    30,
	PatientID:   "4",
	CheckInDate: "2026-08-28",
	CheckInTime: "09:15",
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	entry, fields, err := Canonicalize("Head,Acute stroke,P1,24,MRI", testDefaults)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}

	if entry.ScanType != "MRI" {
		t.Errorf("ScanType = %q, want %q", entry.ScanType, "MRI")
	}
	if entry.Priority != 1 {
		t.Errorf("Priority = %d, want 1", entry.Priority)
	}
	if entry.ScanID != "S01ABC" || entry.Duration != 30 || entry.PatientID != "4" {
		t.Errorf("session defaults not applied: %+v", entry)
	}
	if entry.StartTime != "" {
		t.Errorf("StartTime = %q, want empty before optimization", entry.StartTime)
	}

	if fields.Location != "Head" {
		t.Errorf("Location = %q, want %q", fields.Location, "Head")
	}
	if fields.Description != "Acute stroke" {
		t.Errorf("Description = %q, want %q", fields.Description, "Acute stroke")
	}
	if fields.SeverityIndex != "P1" {
		t.Errorf("SeverityIndex = %q, want %q", fields.SeverityIndex, "P1")
	}
	if fields.MaxWaitHours != 24 {
		t.Errorf("MaxWaitHours = %d, want 24", fields.MaxWaitHours)
	}
}

func TestCanonicalizeWhitespaceAndExtraSegments(t *testing.T) {
	t.Parallel()

	entry, fields, err := Canonicalize(" Chest , Pulmonary embolism , P2 , 12 hours , cat scan , extra", testDefaults)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if entry.ScanType != "cat scan" {
		t.Errorf("ScanType = %q, want trimmed fifth segment %q", entry.ScanType, "cat scan")
	}
	if entry.Machine != "CT" {
		t.Errorf("Machine = %q, want normalized modality %q", entry.Machine, "CT")
	}
	if entry.Priority != 2 {
		t.Errorf("Priority = %d, want 2", entry.Priority)
	}
	if fields.MaxWaitHours != 12 {
		t.Errorf("MaxWaitHours = %d, want 12", fields.MaxWaitHours)
	}
}

func TestCanonicalizeMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"four segments", "Torso,Internal bleeding,P2,"},
		{"empty answer", ""},
		{"empty segment", "Head,,P1,24,MRI"},
		{"no digit in severity", "Head,Acute stroke,urgent,24,MRI"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			entry, fields, err := Canonicalize(tc.raw, testDefaults)
			if err == nil {
				t.Fatalf("Canonicalize(%q) succeeded, want MalformedExtractionError", tc.raw)
			}
			var malformed *MalformedExtractionError
			if !errors.As(err, &malformed) {
				t.Fatalf("error type = %T, want *MalformedExtractionError", err)
			}
			if malformed.RawAnswer != tc.raw {
				t.Errorf("RawAnswer = %q, want %q", malformed.RawAnswer, tc.raw)
			}
			if entry != (ScheduleEntry{}) || fields != (ExtractionFields{}) {
				t.Errorf("partial records returned on failure: %+v / %+v", entry, fields)
			}
		})
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	t.Parallel()

	raw := "Knee,Torn ligament,P3,72,MRI"
	first, _, err := Canonicalize(raw, testDefaults)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	second, _, err := Canonicalize(raw, testDefaults)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if first != second {
		t.Errorf("repeated canonicalization differs: %+v vs %+v", first, second)
	}
}

func TestRecognizeModality(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"MRI", "MRI"},
		{"mri", "MRI"},
		{"cat scan", "CT"},
		{"x ray", "X-Ray"},
		{"ultrasond", "Ultrasound"},
		{"gamma knife", "gamma knife"},
	}
	for _, tc := range cases {
		if got := RecognizeModality(tc.in); got != tc.want {
			t.Errorf("RecognizeModality(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFillMissing(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	t.Run("generates absent fields", func(t *testing.T) {
		t.Parallel()

		d := Defaults{}.FillMissing(now)
		if !strings.HasPrefix(d.ScanID, "S") || len(d.ScanID) < 2 {
			t.Errorf("ScanID = %q, want S-prefixed identifier", d.ScanID)
		}
		if d.Duration < 15 || d.Duration > 60 {
			t.Errorf("Duration = %d, want within [15, 60]", d.Duration)
		}
		if d.PatientID == "" {
			t.Error("PatientID not generated")
		}
		if d.CheckInDate != "2026-08-28" {
			t.Errorf("CheckInDate = %q, want %q", d.CheckInDate, "2026-08-28")
		}
		if len(d.CheckInTime) != 5 || d.CheckInTime[2] != ':' {
			t.Errorf("CheckInTime = %q, want HH:MM", d.CheckInTime)
		}
	})

	t.Run("preserves caller-supplied fields", func(t *testing.T) {
		t.Parallel()

		d := Defaults{ScanID: "S7", Duration: 45, PatientID: "12", CheckInDate: "2026-09-01", CheckInTime: "08:00"}
		if got := d.FillMissing(now); got != d {
			t.Errorf("FillMissing altered supplied defaults: %+v", got)
		}
	})
}
