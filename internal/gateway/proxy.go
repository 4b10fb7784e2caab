// Package gateway implements the Gateway process's HTTP surface (spec
// §4.7/§6): auth, sliding-window rate limiting, and proxying to the
// Inference process, fronted by chi exactly as internal/inference is.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/0xkanth/batchgate/internal/apperr"
	"github.com/0xkanth/batchgate/internal/audit"
	"github.com/0xkanth/batchgate/internal/auth"
	"github.com/0xkanth/batchgate/internal/metrics"
	"github.com/0xkanth/batchgate/internal/ratelimit"
)

// Server is the Gateway process's HTTP surface.
type Server struct {
	authenticator      *auth.Authenticator
	limiter            *ratelimit.Limiter
	publisher          *audit.Publisher
	upstream           *http.Client
	inferenceURL       string
	logger             zerolog.Logger
	ready              func() bool
	rateLimitingActive func() bool
}

// NewServer builds a Server. upstreamTimeout bounds each proxied call;
// maxIdleConnsPerHost sizes the keep-alive pool to the Inference host.
// rateLimitingActive reports whether the CounterStore was reachable at
// startup, surfaced on /health per §4.5's last paragraph; a nil value
// means rate limiting is always reported active.
func NewServer(
	authenticator *auth.Authenticator,
	limiter *ratelimit.Limiter,
	publisher *audit.Publisher,
	inferenceURL string,
	upstreamTimeout time.Duration,
	maxIdleConnsPerHost int,
	logger zerolog.Logger,
	ready func() bool,
	rateLimitingActive func() bool,
) *Server {
	transport := &http.Transport{
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Server{
		authenticator:      authenticator,
		limiter:            limiter,
		publisher:          publisher,
		upstream:           &http.Client{Transport: transport, Timeout: upstreamTimeout},
		inferenceURL:       inferenceURL,
		logger:             logger.With().Str("component", "gateway_server").Logger(),
		ready:              ready,
		rateLimitingActive: rateLimitingActive,
	}
}

// Router builds the chi router for the gateway HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/v1/embed", s.handleEmbed)
		r.Get("/v1/usage", s.handleUsage)
	})

	return r
}

type principalKey struct{}

// requireBearer authenticates the Authorization: Bearer <key> header and
// stashes the resolved auth.Principal on the request context. It is the
// first stage of §4.7's auth -> rate-limit -> forward -> response chain.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			writeError(w, apperr.New(apperr.KindUnauthorized, "missing bearer token", nil))
			return
		}

		principal, err := s.authenticator.Authenticate(r.Context(), key)
		if err != nil {
			writeError(w, apperr.New(apperr.KindUnauthorized, "invalid credential", err))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(auth.Principal)
	return p
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	decision := s.limiter.Check(r.Context(), principal.ID, time.Now())
	if !decision.Allowed {
		metrics.RateLimitDenied.WithLabelValues(decision.LimitType).Inc()
		s.publisher.PublishRateLimitDenied(r.Context(), audit.RateLimitDeniedRecord{
			Principal:  principal.ID,
			LimitType:  decision.LimitType,
			RetryAfter: decision.RetryAfter.Seconds(),
			At:         time.Now(),
		})
		writeRateLimitHeaders(w, decision)
		writeError(w, apperr.RateLimited(int64(decision.RetryAfter.Seconds()), decision.Limit, decision.LimitType))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "failed to read request body", err))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.inferenceURL+"/embed", bytes.NewReader(body))
	if err != nil {
		writeError(w, apperr.New(apperr.KindInternal, "failed to build upstream request", err))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("X-Request-Id", middleware.GetReqID(r.Context()))

	resp, err := s.upstream.Do(upstreamReq)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("connection").Inc()
		writeError(w, apperr.New(apperr.KindUpstreamUnavailable, "inference process unreachable", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.UpstreamErrors.WithLabelValues("5xx").Inc()
		writeError(w, apperr.New(apperr.KindUpstreamUnavailable, "inference process returned an error", fmt.Errorf("status %d", resp.StatusCode)))
		return
	}

	metrics.RequestsTotal.WithLabelValues("success").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	usage, err := s.limiter.Usage(r.Context(), principal.ID, time.Now())
	if err != nil {
		writeError(w, apperr.New(apperr.KindInternal, "failed to read usage", err))
		return
	}

	minuteLimit, hourLimit := s.limiter.Limits()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": principal.ID,
		"usage": map[string]interface{}{
			"requests_last_minute": usage.RequestsLastMinute,
			"requests_last_hour":   usage.RequestsLastHour,
			"timestamp":            time.Now().UTC(),
		},
		"limits": map[string]int64{
			"per_minute": minuteLimit,
			"per_hour":   hourLimit,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rateLimitingActive := s.rateLimitingActive == nil || s.rateLimitingActive()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"rate_limiting": rateLimitingActive,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	retrySeconds := int64(d.RetryAfter.Seconds())
	w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.RetryAfter).Unix(), 10))
}

// rateLimitErrorBody is the §4.7 429 response shape: the usual error/code
// pair plus the retry_after/limit/limit_type fields a client needs to back
// off correctly, mirroring the Retry-After/X-RateLimit-* headers.
type rateLimitErrorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retry_after"`
	Limit      int64  `json:"limit"`
	LimitType  string `json:"limit_type"`
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "INTERNAL_ERROR", "detail": err.Error()})
		return
	}

	status := apperr.HTTPStatus(appErr.Kind)
	if appErr.Kind == apperr.KindRateLimited {
		writeJSON(w, status, rateLimitErrorBody{
			Error:      appErr.Message,
			Code:       appErr.Code,
			RetryAfter: appErr.RetryAfter,
			Limit:      appErr.Limit,
			LimitType:  appErr.LimitType,
		})
		return
	}
	writeJSON(w, status, map[string]string{"error": appErr.Code, "detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
