package schedule

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyThreshold is the minimum Jaro-Winkler score required before a spoken
// machine-type variant is snapped to a canonical modality name.
const fuzzyThreshold = 0.88

// canonicalModalities are the machine identifiers the optimizer knows about.
var canonicalModalities = []string{
	"MRI",
	"CT",
	"X-Ray",
	"Ultrasound",
	"PET",
	"Mammography",
	"Fluoroscopy",
}

// modalityAliases maps common dictation variants to canonical modality names.
// Keys are lowercase.
var modalityAliases = map[string]string{
	"cat scan":                   "CT",
	"ct scan":                    "CT",
	"computed tomography":        "CT",
	"mri scan":                   "MRI",
	"magnetic resonance":         "MRI",
	"magnetic resonance imaging": "MRI",
	"xray":                       "X-Ray",
	"x ray":                      "X-Ray",
	"radiograph":                 "X-Ray",
	"sonogram":                   "Ultrasound",
	"echography":                 "Ultrasound",
	"pet scan":                   "PET",
	"mammogram":                  "Mammography",
}

// RecognizeModality snaps a dictated machine-type string to a canonical
// imaging modality. Recognition proceeds in three stages: exact
// (case-insensitive) match against canonical names, alias lookup for common
// spoken variants, then Jaro-Winkler similarity against the canonical list.
// When nothing clears the similarity threshold the input is returned trimmed
// but otherwise unchanged, so an unrecognized machine type still flows through
// to the optimizer verbatim.
func RecognizeModality(machineType string) string {
	trimmed := strings.TrimSpace(machineType)
	if trimmed == "" {
		return trimmed
	}
	lower := strings.ToLower(trimmed)

	for _, m := range canonicalModalities {
		if strings.EqualFold(trimmed, m) {
			return m
		}
	}

	if canonical, ok := modalityAliases[lower]; ok {
		return canonical
	}

	best := ""
	bestScore := 0.0
	for _, m := range canonicalModalities {
		score := matchr.JaroWinkler(lower, strings.ToLower(m), false)
		if score > bestScore {
			best, bestScore = m, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return best
	}
	return trimmed
}
