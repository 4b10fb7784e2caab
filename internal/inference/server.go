// Package inference implements the Inference process's HTTP surface
// (spec §6): POST /embed, GET /health, GET /ready, GET /metrics,
// fronting an internal/batching.Batcher.
package inference

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xkanth/batchgate/internal/apperr"
	"github.com/0xkanth/batchgate/internal/batching"
	"github.com/0xkanth/batchgate/internal/metrics"
)

const modelName = "batchgate-reference-hash-v1"

// Server is the Inference process's HTTP surface.
type Server struct {
	batcher        *batching.Batcher
	logger         zerolog.Logger
	requestMaxLen  int
	requestDefault time.Duration
	ready          func() bool
}

// NewServer builds a Server over an already-started Batcher. ready
// reports whether the process should be considered ready to accept
// traffic (e.g. the batcher fleet has started).
func NewServer(batcher *batching.Batcher, requestMaxLen int, requestDefault time.Duration, logger zerolog.Logger, ready func() bool) *Server {
	return &Server{
		batcher:        batcher,
		logger:         logger.With().Str("component", "inference_server").Logger(),
		requestMaxLen:  requestMaxLen,
		requestDefault: requestDefault,
		ready:          ready,
	}
}

// Router builds the chi router for the inference HTTP surface. /metrics
// is mounted separately by the caller on its own listener, matching the
// teacher's split between the application port and the metrics port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/embed", s.handleEmbed)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	return r
}

// MetricsHandler exposes the Prometheus text exposition format, meant
// to be mounted on the dedicated metrics listener.
func (s *Server) MetricsHandler() http.Handler { return promhttp.Handler() }

type embedRequest struct {
	InputText string `json:"input_text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "malformed request body", err))
		return
	}

	trimmed := strings.TrimSpace(req.InputText)
	if trimmed == "" {
		writeError(w, apperr.New(apperr.KindValidation, "input_text must be non-empty after trimming", nil))
		return
	}
	if utf8.RuneCountInString(req.InputText) > s.requestMaxLen {
		writeError(w, apperr.New(apperr.KindValidation, "input_text exceeds maximum length", nil))
		return
	}

	deadline := time.Now().Add(s.requestDefault)
	if d, ok := r.Context().Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	input := encodeInput(req.InputText)

	start := time.Now()
	res, err := s.batcher.Submit(r.Context(), requestID(r), input, deadline)
	metrics.RequestLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		recordTerminal(err)
		writeError(w, err)
		return
	}

	metrics.RequestsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, embedResponse{Embedding: res.Output, Model: modelName})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"model":            modelName,
		"device":           "cpu",
		"queue_size":       s.batcher.QueueDepth(),
		"inflight_batches": 0,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// recordTerminal updates the §4.8 status-label counter from a returned
// error's apperr.Kind, mapping overloaded/deadline_exceeded onto their
// own low-cardinality status labels as spec'd.
func recordTerminal(err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		return
	}
	switch appErr.Kind {
	case apperr.KindOverloaded:
		metrics.RequestsTotal.WithLabelValues("overloaded").Inc()
	case apperr.KindDeadlineExceeded:
		metrics.RequestsTotal.WithLabelValues("timeout").Inc()
	default:
		metrics.RequestsTotal.WithLabelValues("error").Inc()
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	if appErr, ok := apperr.As(err); ok {
		status = apperr.HTTPStatus(appErr.Kind)
		code = appErr.Code
	}
	writeJSON(w, status, errorResponse{Error: code, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// encodeInput turns request text into the fixed-representation input
// vector the BatchExecutor contract expects: one float32 per rune.
func encodeInput(text string) []float32 {
	runes := []rune(text)
	out := make([]float32, len(runes))
	for i, r := range runes {
		out[i] = float32(r)
	}
	return out
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}
