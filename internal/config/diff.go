package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	ExtractionChanged bool
	OptimizerChanged  bool
	CORSChanged       bool
}

// Any reports whether the diff contains at least one tracked change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ExtractionChanged || d.OptimizerChanged || d.CORSChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Extraction.Corpus != new.Extraction.Corpus ||
		old.Extraction.TopK != new.Extraction.TopK ||
		old.Extraction.TimeoutSeconds != new.Extraction.TimeoutSeconds {
		d.ExtractionChanged = true
	}

	if old.Optimizer != new.Optimizer {
		d.OptimizerChanged = true
	}

	if !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins) {
		d.CORSChanged = true
	}

	return d
}
