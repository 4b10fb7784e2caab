package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rateLimitMinute, rateLimitHour int64, bypassOnFailure bool) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, rateLimitMinute, rateLimitHour, bypassOnFailure, zerolog.Nop()), mr
}

func TestLimiter_AllowsUnderBothLimits(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 100, false)
	now := time.Now()

	for i := 0; i < 5; i++ {
		d := l.Check(t.Context(), "alice", now)
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}
}

func TestLimiter_DeniesOnceMinuteLimitExceeded(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 100, false)
	now := time.Now()

	require.True(t, l.Check(t.Context(), "bob", now).Allowed)
	require.True(t, l.Check(t.Context(), "bob", now).Allowed)

	d := l.Check(t.Context(), "bob", now)
	require.False(t, d.Allowed)
	require.Equal(t, "minute", d.LimitType)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, d.RetryAfter, time.Minute+time.Second)
}

func TestLimiter_HourLimitIsTighterThanMinute(t *testing.T) {
	// minute window resets every 60s, but the hour budget is exhausted --
	// the hour window should be the one reported even once the minute
	// window would otherwise admit the request again.
	l, mr := newTestLimiter(t, 100, 1, false)
	now := time.Now()

	require.True(t, l.Check(t.Context(), "carol", now).Allowed)

	mr.FastForward(2 * time.Second)
	now = now.Add(2 * time.Second)

	d := l.Check(t.Context(), "carol", now)
	require.False(t, d.Allowed)
	require.Equal(t, "hour", d.LimitType)
}

func TestLimiter_PrincipalsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 100, false)
	now := time.Now()

	require.True(t, l.Check(t.Context(), "dave", now).Allowed)
	require.False(t, l.Check(t.Context(), "dave", now).Allowed)
	require.True(t, l.Check(t.Context(), "erin", now).Allowed)
}

func TestLimiter_UsageDoesNotConsumeBudget(t *testing.T) {
	l, _ := newTestLimiter(t, 3, 100, false)
	now := time.Now()

	require.True(t, l.Check(t.Context(), "frank", now).Allowed)
	require.True(t, l.Check(t.Context(), "frank", now).Allowed)

	u, err := l.Usage(t.Context(), "frank", now)
	require.NoError(t, err)
	require.EqualValues(t, 2, u.RequestsLastMinute)

	u2, err := l.Usage(t.Context(), "frank", now)
	require.NoError(t, err)
	require.Equal(t, u, u2, "repeated usage() calls must not change the count")

	require.True(t, l.Check(t.Context(), "frank", now).Allowed)
	require.False(t, l.Check(t.Context(), "frank", now).Allowed)
}

func TestLimiter_BypassOnFailureAllowsWhenStoreUnreachable(t *testing.T) {
	l, mr := newTestLimiter(t, 5, 100, true)
	mr.Close()

	d := l.Check(t.Context(), "gail", time.Now())
	require.True(t, d.Allowed)
}

func TestLimiter_DeniesWhenStoreUnreachableAndNoBypass(t *testing.T) {
	l, mr := newTestLimiter(t, 5, 100, false)
	mr.Close()

	d := l.Check(t.Context(), "hank", time.Now())
	require.False(t, d.Allowed)
	require.Equal(t, "unavailable", d.LimitType)
}
