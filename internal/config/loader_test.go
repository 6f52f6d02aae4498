package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kliniq/scanplan/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  cors_origins:
    - "https://scheduler.example.com"
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  transcriber:
    name: whispersrv
    base_url: http://localhost:8178
  embeddings:
    name: openai
    model: text-embedding-3-small
extraction:
  corpus: scheduler-vectorised
  top_k: 4
  timeout_seconds: 30
optimizer:
  url: http://localhost:9090
  timeout_seconds: 20
knowledge:
  postgres_dsn: "postgres://localhost:5432/scanplan?sslmode=disable"
  embedding_dimensions: 1536
session:
  ttl_minutes: 30
  terminal_retention_minutes: 10
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("llm name = %q, want openai", cfg.Providers.LLM.Name)
	}
	if cfg.Providers.Transcriber.BaseURL != "http://localhost:8178" {
		t.Errorf("transcriber base_url = %q", cfg.Providers.Transcriber.BaseURL)
	}
	if cfg.Extraction.Corpus != "scheduler-vectorised" {
		t.Errorf("corpus = %q, want scheduler-vectorised", cfg.Extraction.Corpus)
	}
	if got := cfg.Extraction.Timeout(); got != 30*time.Second {
		t.Errorf("extraction timeout = %v, want 30s", got)
	}
	if got := cfg.Optimizer.Timeout(); got != 20*time.Second {
		t.Errorf("optimizer timeout = %v, want 20s", got)
	}
	if cfg.Knowledge.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions = %d, want 1536", cfg.Knowledge.EmbeddingDimensions)
	}
	if got := cfg.Session.TTL(); got != 30*time.Minute {
		t.Errorf("session ttl = %v, want 30m", got)
	}
	if got := cfg.Session.TerminalRetention(); got != 10*time.Minute {
		t.Errorf("terminal retention = %v, want 10m", got)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listne_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server: ["))
	if err == nil {
		t.Fatal("expected error for malformed yaml, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Server.LogLevel = "loud"
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Extraction.TopK = -1
	cfg.Optimizer.URL = "not-a-url"
	cfg.Session.TTLMinutes = -5

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "top_k", "optimizer.url", "ttl_minutes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Server.TLS = &config.TLSConfig{CertFile: "cert.pem"}
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for TLS missing key_file, got nil")
	}
}

func TestValidate_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()

	// An empty config only produces warnings, never errors.
	if err := config.Validate(&config.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_NegativeTimeouts(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Extraction.TimeoutSeconds = -1
	cfg.Optimizer.TimeoutSeconds = -1
	cfg.Session.TerminalRetentionMinutes = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected joined error, got %T", err)
	}
	if n := len(joined.Unwrap()); n != 3 {
		t.Errorf("joined error count = %d, want 3", n)
	}
}
