package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/batchgate/internal/audit"
	"github.com/0xkanth/batchgate/internal/auth"
	"github.com/0xkanth/batchgate/internal/ratelimit"
)

type staticDirectory struct {
	principal auth.Principal
}

func (d staticDirectory) Lookup(ctx context.Context, digest string) (auth.Principal, error) {
	if digest != auth.Digest("valid-key") {
		return auth.Principal{}, auth.ErrKeyNotFound
	}
	return d.principal, nil
}

func newTestGateway(t *testing.T, upstream *httptest.Server, rateLimitMinute int64) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.New(client, rateLimitMinute, 10000, false, zerolog.Nop())
	authenticator := auth.New(staticDirectory{principal: auth.Principal{ID: "acme", Name: "Acme Corp"}})

	return NewServer(authenticator, limiter, audit.NewNoop(), upstream.URL, time.Second, 8, zerolog.Nop(), func() bool { return true }, nil)
}

func TestHandleEmbed_MissingAuthIs401(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestGateway(t, upstream, 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/embed", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEmbed_ValidKeyForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"embedding":[1,2,3],"model":"test"}`))
	}))
	defer upstream.Close()

	s := newTestGateway(t, upstream, 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/embed", nil)
	req.Header.Set("Authorization", "Bearer valid-key")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"embedding":[1,2,3],"model":"test"}`, rec.Body.String())
}

func TestHandleEmbed_RateLimitExceededIs429WithHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestGateway(t, upstream, 1)

	req1 := httptest.NewRequest(http.MethodPost, "/v1/embed", nil)
	req1.Header.Set("Authorization", "Bearer valid-key")
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/embed", nil)
	req2.Header.Set("Authorization", "Bearer valid-key")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec2.Header().Get("X-RateLimit-Limit"))

	var body rateLimitErrorBody
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Code)
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, int64(1), body.Limit)
	assert.NotEmpty(t, body.LimitType)
	assert.Greater(t, body.RetryAfter, int64(0))
}

func TestHandleEmbed_UpstreamDownIs502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	upstream.Close() // simulate unreachable inference process

	s := newTestGateway(t, upstream, 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/embed", nil)
	req.Header.Set("Authorization", "Bearer valid-key")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleUsage_ReturnsCountsAndLimits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s := newTestGateway(t, upstream, 10)
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer valid-key")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"acme"`)
}

func TestHandleHealth_Unauthenticated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s := newTestGateway(t, upstream, 10)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
