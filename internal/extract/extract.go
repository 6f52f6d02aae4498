// Package extract defines the Extractor capability interface: given a
// clinical narrative, produce the raw five-field answer from the
// retrieval+generation backend.
//
// The extractor is stateless and performs no retries; retry policy belongs to
// the pipeline. The raw answer is returned verbatim so the canonicalizer owns
// the entire parse.
package extract

import (
	"context"
	"errors"
)

// Sentinel errors returned by Extractor implementations.
var (
	// ErrUnavailable indicates a transport or backend failure reaching the
	// extraction service. The transcript is preserved; the call is retryable.
	ErrUnavailable = errors.New("extract: backend unavailable")

	// ErrEmptyResponse indicates the backend answered with empty text.
	ErrEmptyResponse = errors.New("extract: empty response")
)

// Extractor produces a raw extraction answer for a clinical narrative.
//
// Implementations must be safe for concurrent use across sessions and must
// return the backend's answer unmodified apart from whitespace trimming.
type Extractor interface {
	Extract(ctx context.Context, narrative string) (string, error)
}

// InstructionPrompt is the fixed extraction instruction. The five numbered
// fields, the mandated comma format and the worked example anchor the model
// to the exact shape the canonicalizer parses.
const InstructionPrompt = "Extract the following information from the provided text: \n" +
	"1. Condition location (e.g., head, torso, etc.)\n" +
	"2. Condition description\n" +
	"3. Severity index (P1, P2, etc.)\n" +
	"4. Maximum allowable wait time in hours (as a number)\n" +
	"5. Machine type used (e.g., CT, MRI, etc.)\n\n" +
	"Format the output exactly as follows, with values separated by commas:\n" +
	"location,desc,index,time,mach\n\n" +
	"For example:\n" +
	"Head,Acute stroke,P1,24,MRI\n\n" +
	"Only return the extracted values in this format, with no extra text or explanations.\n" +
	"Input text:\n"

// BuildPrompt appends the narrative to the fixed instruction template.
func BuildPrompt(narrative string) string {
	return InstructionPrompt + narrative
}
