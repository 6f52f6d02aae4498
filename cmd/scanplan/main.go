// Command scanplan is the clinical imaging-scan scheduling server.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/kliniq/scanplan/internal/api"
	"github.com/kliniq/scanplan/internal/config"
	"github.com/kliniq/scanplan/internal/extract"
	extractmock "github.com/kliniq/scanplan/internal/extract/mock"
	"github.com/kliniq/scanplan/internal/extract/rag"
	"github.com/kliniq/scanplan/internal/health"
	"github.com/kliniq/scanplan/internal/knowledge"
	"github.com/kliniq/scanplan/internal/observe"
	"github.com/kliniq/scanplan/internal/optimize"
	"github.com/kliniq/scanplan/internal/optimize/httpopt"
	optimizemock "github.com/kliniq/scanplan/internal/optimize/mock"
	"github.com/kliniq/scanplan/internal/pipeline"
	"github.com/kliniq/scanplan/internal/resilience"
	"github.com/kliniq/scanplan/internal/session"
	"github.com/kliniq/scanplan/pkg/provider/embeddings"
	ollamaembed "github.com/kliniq/scanplan/pkg/provider/embeddings/ollama"
	oaembed "github.com/kliniq/scanplan/pkg/provider/embeddings/openai"
	"github.com/kliniq/scanplan/pkg/provider/llm"
	"github.com/kliniq/scanplan/pkg/provider/llm/anyllm"
	oaillm "github.com/kliniq/scanplan/pkg/provider/llm/openai"
	"github.com/kliniq/scanplan/pkg/provider/transcribe"
	oaitranscribe "github.com/kliniq/scanplan/pkg/provider/transcribe/openai"
	"github.com/kliniq/scanplan/pkg/provider/transcribe/whispersrv"
)

// defaultCorpus is the guidance corpus searched when the config leaves
// extraction.corpus empty.
const defaultCorpus = "scheduler-vectorised"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	ingestPath := flag.String("ingest", "", "index the guidance file into the knowledge corpus, then exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "scanplan: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scanplan: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("scanplan starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "scanplan",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Knowledge store ───────────────────────────────────────────────────────
	var store *knowledge.Store
	if cfg.Knowledge.PostgresDSN != "" {
		dims := cfg.Knowledge.EmbeddingDimensions
		if dims == 0 {
			dims = 1536 // matches OpenAI text-embedding-3-small
		}
		store, err = knowledge.NewStore(ctx, cfg.Knowledge.PostgresDSN, dims)
		if err != nil {
			slog.Error("failed to connect knowledge store", "err", err)
			return 1
		}
		defer store.Close()
	}

	corpus := cfg.Extraction.Corpus
	if corpus == "" {
		corpus = defaultCorpus
	}

	// ── Ingest mode ───────────────────────────────────────────────────────────
	if *ingestPath != "" {
		if store == nil || providers.Embeddings == nil {
			slog.Error("ingest requires knowledge.postgres_dsn and an embeddings provider")
			return 1
		}
		if err := ingestGuidance(ctx, store, providers.Embeddings, corpus, *ingestPath); err != nil {
			slog.Error("ingest failed", "path", *ingestPath, "err", err)
			return 1
		}
		return 0
	}

	// ── Extraction backend ────────────────────────────────────────────────────
	extractor, err := buildExtractor(cfg, reg, providers, store, corpus)
	if err != nil {
		slog.Error("failed to build extractor", "err", err)
		return 1
	}

	// ── Optimizer ─────────────────────────────────────────────────────────────
	var optimizer optimize.Optimizer
	if cfg.Optimizer.URL != "" {
		var optOpts []httpopt.Option
		if d := cfg.Optimizer.Timeout(); d > 0 {
			optOpts = append(optOpts, httpopt.WithTimeout(d))
		}
		optimizer, err = httpopt.New(cfg.Optimizer.URL, optOpts...)
		if err != nil {
			slog.Error("failed to create optimizer client", "err", err)
			return 1
		}
	} else {
		slog.Warn("optimizer.url is empty; using the built-in pass-through optimizer")
		optimizer = &optimizemock.Optimizer{}
	}

	// ── Session store + orchestrator ──────────────────────────────────────────
	storeOpts := []session.Option{
		session.WithEvictionHook(func(evicted int) {
			metrics.ActiveSessions.Add(context.Background(), -int64(evicted))
		}),
	}
	if d := cfg.Session.TTL(); d > 0 {
		storeOpts = append(storeOpts, session.WithTTL(d))
	}
	if d := cfg.Session.TerminalRetention(); d > 0 {
		storeOpts = append(storeOpts, session.WithTerminalRetention(d))
	}
	sessions := session.NewStore(storeOpts...)

	pipeOpts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if d := cfg.Extraction.Timeout(); d > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithExtractTimeout(d))
	}
	if d := cfg.Optimizer.Timeout(); d > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithOptimizeTimeout(d))
	}
	orch, err := pipeline.New(sessions, extractor, optimizer, pipeOpts...)
	if err != nil {
		slog.Error("failed to assemble pipeline", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	apiOpts := []api.Option{
		api.WithMetrics(metrics),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithHealth(health.New(buildCheckers(cfg, store)...)),
	}
	if providers.Transcriber != nil {
		apiOpts = append(apiOpts, api.WithTranscriber(providers.Transcriber))
	}
	srv, err := api.New(orch, apiOpts...)
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Only the log level is applied live; other changes need a restart.
	watcher, err := config.NewWatcher(*configPath, func(diff config.ConfigDiff, next *config.Config) {
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(next.Server.LogLevel))
			slog.Info("log level updated", "level", next.Server.LogLevel)
		}
		if diff.ExtractionChanged || diff.OptimizerChanged || diff.CORSChanged {
			slog.Warn("extraction, optimizer, and CORS changes take effect on restart")
		}
	})
	if err != nil {
		slog.Warn("config watcher not started", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, listenAddr)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.RunJanitor(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", listenAddr)
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native client; the remaining backends share the any-llm
	// wrapper with optional APIKey + BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Transcribers ──────────────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oaitranscribe.Option
		if entry.Model != "" {
			opts = append(opts, oaitranscribe.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitranscribe.WithBaseURL(entry.BaseURL))
		}
		return oaitranscribe.New(entry.APIKey, opts...)
	})

	reg.RegisterTranscriber("whispersrv", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whispersrv.Option
		if entry.Model != "" {
			opts = append(opts, whispersrv.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispersrv.WithLanguage(lang))
		}
		return whispersrv.New(entry.BaseURL, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// providerSet holds one interface value per provider slot. Nil means the
// provider is not configured.
type providerSet struct {
	LLM         llm.Provider
	Transcriber transcribe.Provider
	Embeddings  embeddings.Provider
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.Transcriber.Name; name != "" {
		p, err := reg.CreateTranscriber(cfg.Providers.Transcriber)
		if err != nil {
			return nil, fmt.Errorf("create transcriber provider %q: %w", name, err)
		}
		ps.Transcriber = p
		slog.Info("provider created", "kind", "transcriber", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// buildExtractor assembles the retrieval-augmented extractor with failover
// across the configured fallback LLM backends. When the full stack is not
// configured it falls back to the built-in stub so the pipeline stays usable
// in development.
func buildExtractor(cfg *config.Config, reg *config.Registry, providers *providerSet, store *knowledge.Store, corpus string) (extract.Extractor, error) {
	if providers.LLM == nil || providers.Embeddings == nil || store == nil {
		slog.Warn("extraction stack incomplete; using the built-in stub extractor")
		return &extractmock.Extractor{}, nil
	}

	var ragOpts []rag.Option
	if cfg.Extraction.TopK > 0 {
		ragOpts = append(ragOpts, rag.WithTopK(cfg.Extraction.TopK))
	}

	primary, err := rag.New(providers.LLM, providers.Embeddings, store, corpus, ragOpts...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Extraction.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewExtractorFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Extraction.Fallbacks {
		backend, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm %q: %w", entry.Name, err)
		}
		fb, err := rag.New(backend, providers.Embeddings, store, corpus, ragOpts...)
		if err != nil {
			return nil, err
		}
		group.AddFallback(entry.Name, fb)
		slog.Info("extraction fallback registered", "name", entry.Name)
	}
	return group, nil
}

// buildCheckers assembles the readiness checks for the configured backends.
func buildCheckers(cfg *config.Config, store *knowledge.Store) []health.Checker {
	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "knowledge",
			Check: store.Ping,
		})
	}
	if cfg.Optimizer.URL != "" {
		optimizerURL := cfg.Optimizer.URL
		checkers = append(checkers, health.Checker{
			Name: "optimizer",
			Check: func(ctx context.Context) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, optimizerURL, nil)
				if err != nil {
					return err
				}
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return err
				}
				resp.Body.Close()
				return nil
			},
		})
	}
	return checkers
}

// ── Ingest ────────────────────────────────────────────────────────────────────

// ingestGuidance reads the guidance file, embeds each paragraph, and upserts
// the chunks into the corpus. Chunk ids are content hashes so re-running the
// ingest is idempotent.
func ingestGuidance(ctx context.Context, store *knowledge.Store, embedder embeddings.Provider, corpus, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open guidance file: %w", err)
	}
	defer f.Close()

	var (
		chunks []string
		para   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(para.String()); s != "" {
			chunks = append(chunks, s)
		}
		para.Reset()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		para.WriteString(line)
		para.WriteString("\n")
	}
	flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read guidance file: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("guidance file %q contains no paragraphs", path)
	}

	vectors, err := embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed guidance: %w", err)
	}

	for i, content := range chunks {
		sum := sha256.Sum256([]byte(content))
		chunk := knowledge.Chunk{
			ID:        hex.EncodeToString(sum[:16]),
			Corpus:    corpus,
			Content:   content,
			Embedding: vectors[i],
			Source:    path,
		}
		if err := store.IndexChunk(ctx, chunk); err != nil {
			return fmt.Errorf("index chunk %d: %w", i, err)
		}
	}

	slog.Info("guidance ingested", "corpus", corpus, "chunks", len(chunks), "model", embedder.ModelID())
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         scanplan — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Transcriber", cfg.Providers.Transcriber.Name, cfg.Providers.Transcriber.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printValue("Optimizer", cfg.Optimizer.URL, "(pass-through)")
	printValue("Knowledge", cfg.Knowledge.PostgresDSN, "(disabled)")
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printValue(kind, value, "(not configured)")
}

func printValue(kind, value, empty string) {
	if value == "" {
		value = empty
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust verbosity without restarting.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
