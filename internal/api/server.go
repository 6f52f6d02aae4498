// Package api exposes the scheduling pipeline over HTTP.
//
// Three POST endpoints drive the workflow — /record, /process, /optimize —
// plus GET /sessions/{id} for snapshots, the health probes, and /metrics.
// Every pipeline error maps to a stable JSON error code so clients can
// distinguish retryable failures (backend down, timeout, concurrent
// modification) from terminal ones (malformed extraction).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kliniq/scanplan/internal/extract"
	"github.com/kliniq/scanplan/internal/health"
	"github.com/kliniq/scanplan/internal/observe"
	"github.com/kliniq/scanplan/internal/optimize"
	"github.com/kliniq/scanplan/internal/pipeline"
	"github.com/kliniq/scanplan/internal/resilience"
	"github.com/kliniq/scanplan/internal/schedule"
	"github.com/kliniq/scanplan/internal/session"
	"github.com/kliniq/scanplan/pkg/provider/transcribe"
)

// maxAudioBytes caps uploaded dictation size (32 MiB).
const maxAudioBytes = 32 << 20

// Option configures a [Server].
type Option func(*Server)

// WithTranscriber enables multipart audio uploads on /record. Without it,
// /record accepts JSON transcripts only.
func WithTranscriber(t transcribe.Provider) Option {
	return func(s *Server) { s.transcriber = t }
}

// WithHealth mounts the given health handler's probe routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithCORSOrigins restricts browser requests to the listed origins.
// Empty (the default) allows any origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMetrics sets the metrics sink used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server routes HTTP requests into the pipeline orchestrator.
type Server struct {
	orch        *pipeline.Orchestrator
	transcriber transcribe.Provider
	health      *health.Handler
	corsOrigins []string
	metrics     *observe.Metrics
}

// New creates a [Server] around orch.
func New(orch *pipeline.Orchestrator, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, errors.New("api: orchestrator is required")
	}
	s := &Server{orch: orch}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Handler returns the fully assembled HTTP handler: routes, tracing and
// duration middleware, and CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /record", s.handleRecord)
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("POST /optimize", s.handleOptimize)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}

	var h http.Handler = mux
	h = observe.Middleware(s.metrics)(h)
	h = s.corsMiddleware(h)
	return h
}

// ── Request/response shapes ──────────────────────────────────────────────────

type recordRequest struct {
	SessionID  string            `json:"session_id"`
	Transcript string            `json:"transcript"`
	Defaults   schedule.Defaults `json:"defaults"`
}

type recordResponse struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	Transcription string `json:"transcription"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type processResponse struct {
	SessionID  string                    `json:"session_id"`
	State      string                    `json:"state"`
	Extraction schedule.ExtractionFields `json:"extraction"`
	Entries    []schedule.ScheduleEntry  `json:"entries"`
}

type optimizeResponse struct {
	SessionID string                   `json:"session_id"`
	State     string                   `json:"state"`
	Schedule  []schedule.ScheduleEntry `json:"schedule"`
}

type sessionResponse struct {
	SessionID   string                   `json:"session_id"`
	State       string                   `json:"state"`
	FailureKind string                   `json:"failure_kind,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
	Transcript  string                   `json:"transcript,omitempty"`
	Entries     []schedule.ScheduleEntry `json:"entries,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// handleRecord captures a transcript into a session. Two request forms are
// accepted: multipart/form-data with an "audio" file (transcribed server-side)
// and a JSON body with the transcript inline.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		var err error
		req, err = s.recordFromMultipart(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if req.SessionID == "" {
		s.writeError(w, r, badRequest("session_id is required"))
		return
	}

	sess, err := s.orch.Record(r.Context(), req.SessionID, req.Transcript, req.Defaults)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResponse{
		SessionID:     sess.ID,
		State:         string(sess.State),
		Transcription: sess.Transcript,
	})
}

// recordFromMultipart extracts session_id, optional defaults, and the audio
// file from a multipart request, then transcribes the audio.
func (s *Server) recordFromMultipart(w http.ResponseWriter, r *http.Request) (recordRequest, error) {
	var req recordRequest

	if s.transcriber == nil {
		return req, badRequest("audio upload is not enabled; send a JSON transcript instead")
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		return req, badRequest("parse multipart form: " + err.Error())
	}

	req.SessionID = r.FormValue("session_id")
	if raw := r.FormValue("defaults"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Defaults); err != nil {
			return req, badRequest("defaults field is not valid JSON: " + err.Error())
		}
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		return req, badRequest("audio file is required in multipart requests")
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		return req, fmt.Errorf("api: read audio upload: %w", err)
	}

	start := time.Now()
	text, err := s.transcriber.Transcribe(r.Context(), audio, header.Filename)
	s.metrics.TranscribeDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(r.Context(), "transcriber", "transcribe", "error")
		s.metrics.RecordProviderError(r.Context(), "transcriber", "transcribe")
		return req, &apiError{
			status:  http.StatusBadGateway,
			code:    "transcription_failed",
			message: fmt.Sprintf("transcribe %q: %v", header.Filename, err),
		}
	}
	s.metrics.RecordProviderRequest(r.Context(), "transcriber", "transcribe", "ok")
	req.Transcript = text
	return req, nil
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		s.writeError(w, r, badRequest("session_id is required"))
		return
	}

	sess, err := s.orch.Process(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		SessionID:  sess.ID,
		State:      string(sess.State),
		Extraction: sess.Extraction,
		Entries:    sess.Entries,
	})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		s.writeError(w, r, badRequest("session_id is required"))
		return
	}

	sess, err := s.orch.Optimize(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, optimizeResponse{
		SessionID: sess.ID,
		State:     string(sess.State),
		Schedule:  sess.Entries,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:   sess.ID,
		State:       string(sess.State),
		FailureKind: string(sess.FailureKind),
		LastError:   sess.LastError,
		Transcript:  sess.Transcript,
		Entries:     sess.Entries,
	})
}

// ── Error mapping ────────────────────────────────────────────────────────────

// apiError carries an explicit status and code decided at the handler level.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(msg string) error {
	return &apiError{status: http.StatusBadRequest, code: "bad_request", message: msg}
}

// writeError maps err onto the service's error taxonomy and writes the JSON
// error body. The message always comes from the error itself so the code and
// detail never disagree.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	if status >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "code", code, "err", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "code", code, "err", err)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

// classify maps pipeline and provider errors to HTTP status and stable code.
// Typed errors are checked before sentinels so a malformed extraction wrapped
// in backend context still reports as malformed.
func classify(err error) (int, string) {
	var (
		ae        *apiError
		precond   *session.PreconditionError
		malform   *schedule.MalformedExtractionError
		formatErr *optimize.FormatError
	)

	switch {
	case errors.As(err, &ae):
		return ae.status, ae.code
	case errors.As(err, &precond):
		return http.StatusBadRequest, "precondition_violation"
	case errors.As(err, &malform):
		return http.StatusUnprocessableEntity, "malformed_extraction"
	case errors.As(err, &formatErr):
		return http.StatusBadGateway, "optimization_format_error"
	case errors.Is(err, pipeline.ErrInvalidTranscript):
		return http.StatusBadRequest, "invalid_transcript"
	case errors.Is(err, extract.ErrEmptyResponse):
		return http.StatusBadRequest, "empty_response"
	case errors.Is(err, pipeline.ErrExternalTimeout):
		return http.StatusGatewayTimeout, "external_timeout"
	case errors.Is(err, extract.ErrUnavailable), errors.Is(err, resilience.ErrAllFailed):
		return http.StatusBadGateway, "extraction_unavailable"
	case errors.Is(err, optimize.ErrUnavailable):
		return http.StatusBadGateway, "optimizer_unavailable"
	case errors.Is(err, session.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("decode request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// corsMiddleware handles preflight requests and sets the allow-origin header
// for configured origins. An empty origin list allows everything.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	if slices.Contains(s.corsOrigins, "*") {
		return true
	}
	return slices.Contains(s.corsOrigins, origin)
}
