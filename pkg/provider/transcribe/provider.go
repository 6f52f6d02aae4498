// Package transcribe defines the Provider interface for batch speech-to-text
// backends.
//
// A transcriber turns a recorded clinical dictation (a complete audio file,
// not a live stream) into the narrative text that drives field extraction.
// Dictations are short and recorded before submission, so the interface is
// deliberately batch-shaped: one audio payload in, one transcript out.
//
// Implementations must be safe for concurrent use.
package transcribe

import "context"

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe converts a complete audio recording to text. audio holds the
	// raw file bytes and filename carries the original name, which backends use
	// to infer the container format (e.g., "dictation.wav", "note.m4a").
	//
	// Returns the transcript with surrounding whitespace trimmed, or an error
	// if the request fails or ctx is cancelled. An empty transcript is not an
	// error at this layer; callers decide whether silence is acceptable.
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)

	// ModelID returns the backend-specific model identifier used for
	// transcription (e.g., "whisper-1", "base.en"). Useful for logging.
	ModelID() string
}
