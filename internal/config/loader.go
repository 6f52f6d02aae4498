package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"transcriber": {"openai", "whispersrv"},
	"embeddings":  {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, fb := range cfg.Extraction.Fallbacks {
		validateProviderName("llm", fb.Name)
	}

	// Extraction
	if cfg.Extraction.TopK < 0 {
		errs = append(errs, fmt.Errorf("extraction.top_k %d must not be negative", cfg.Extraction.TopK))
	}
	if cfg.Extraction.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("extraction.timeout_seconds %d must not be negative", cfg.Extraction.TimeoutSeconds))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; extraction will run with the built-in stub")
	}

	// Optimizer
	if cfg.Optimizer.URL != "" {
		if u, err := url.Parse(cfg.Optimizer.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("optimizer.url %q is not an absolute URL", cfg.Optimizer.URL))
		}
	}
	if cfg.Optimizer.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("optimizer.timeout_seconds %d must not be negative", cfg.Optimizer.TimeoutSeconds))
	}

	// Embeddings ↔ knowledge dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 1536")
	}

	// Knowledge availability
	if cfg.Knowledge.PostgresDSN == "" {
		slog.Warn("knowledge.postgres_dsn is empty; extraction will run without guidance retrieval")
	}

	// Session retention
	if cfg.Session.TTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.ttl_minutes %d must not be negative", cfg.Session.TTLMinutes))
	}
	if cfg.Session.TerminalRetentionMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.terminal_retention_minutes %d must not be negative", cfg.Session.TerminalRetentionMinutes))
	}
	if cfg.Session.TTLMinutes > 0 && cfg.Session.TerminalRetentionMinutes > cfg.Session.TTLMinutes {
		slog.Warn("session.terminal_retention_minutes exceeds session.ttl_minutes; terminal sessions will outlive idle ones",
			"ttl_minutes", cfg.Session.TTLMinutes,
			"terminal_retention_minutes", cfg.Session.TerminalRetentionMinutes,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
