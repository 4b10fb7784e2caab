package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/0xkanth/batchgate/internal/metrics"
)

// keyTTLSlack is the chosen TTL margin added atop each window's width
// (spec §9 open question (b): any value in [1s, W] is acceptable).
// See DESIGN.md for the rationale.
const keyTTLSlack = 5 * time.Second

// Decision is the outcome of Limiter.Check (spec §4.5).
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int64
	LimitType  string // "minute" | "hour" | "unavailable"
}

// Usage is the read-only snapshot returned by Limiter.Usage.
type Usage struct {
	RequestsLastMinute int64
	RequestsLastHour   int64
}

// Limiter layers the sliding-window protocol over two independent
// per-principal windows, minute and hour (spec §4.5).
type Limiter struct {
	minute *WindowStore
	hour   *WindowStore

	bypassOnFailure bool
	logger          zerolog.Logger
}

// New constructs a Limiter against a Redis client already connected to
// the CounterStore.
func New(client *redis.Client, rateLimitMinute, rateLimitHour int64, bypassOnFailure bool, logger zerolog.Logger) *Limiter {
	return &Limiter{
		minute:          NewWindowStore(client, "minute", time.Minute, rateLimitMinute, keyTTLSlack),
		hour:            NewWindowStore(client, "hour", time.Hour, rateLimitHour, keyTTLSlack),
		bypassOnFailure: bypassOnFailure,
		logger:          logger.With().Str("component", "ratelimiter").Logger(),
	}
}

// Check evaluates both windows for principal at now. It allows only if
// both admit; on denial from either, it reports the tighter (longer)
// retry-after and the limit_type of whichever window actually gates the
// next allowed attempt (spec §4.5).
func (l *Limiter) Check(ctx context.Context, principal string, now time.Time) Decision {
	minuteAllowed, minuteRetry, err := l.minute.Check(ctx, principal, now)
	if err != nil {
		return l.degrade(err)
	}

	hourAllowed, hourRetry, err := l.hour.Check(ctx, principal, now)
	if err != nil {
		return l.degrade(err)
	}

	if minuteAllowed && hourAllowed {
		return Decision{Allowed: true}
	}

	switch {
	case !minuteAllowed && !hourAllowed:
		if minuteRetry >= hourRetry {
			return Decision{Allowed: false, RetryAfter: minuteRetry, Limit: l.minute.Limit(), LimitType: "minute"}
		}
		return Decision{Allowed: false, RetryAfter: hourRetry, Limit: l.hour.Limit(), LimitType: "hour"}
	case !minuteAllowed:
		return Decision{Allowed: false, RetryAfter: minuteRetry, Limit: l.minute.Limit(), LimitType: "minute"}
	default:
		return Decision{Allowed: false, RetryAfter: hourRetry, Limit: l.hour.Limit(), LimitType: "hour"}
	}
}

// Usage returns the pruned cardinality of each window without appending
// a new event (spec §4.5's read-only introspection, backing /v1/usage).
func (l *Limiter) Usage(ctx context.Context, principal string, now time.Time) (Usage, error) {
	minuteCount, err := l.minute.Usage(ctx, principal, now)
	if err != nil {
		return Usage{}, err
	}
	hourCount, err := l.hour.Usage(ctx, principal, now)
	if err != nil {
		return Usage{}, err
	}
	return Usage{RequestsLastMinute: minuteCount, RequestsLastHour: hourCount}, nil
}

// Limits exposes the configured per-window limits, for /v1/usage responses.
func (l *Limiter) Limits() (minute, hour int64) {
	return l.minute.Limit(), l.hour.Limit()
}

// degrade implements §4.5's graceful-degradation policy when the
// CounterStore is unreachable.
func (l *Limiter) degrade(err error) Decision {
	l.logger.Error().Err(err).Msg("counter store unreachable")

	if l.bypassOnFailure {
		metrics.RateLimitFallback.Inc()
		return Decision{Allowed: true}
	}

	return Decision{Allowed: false, RetryAfter: time.Second, LimitType: "unavailable"}
}

// Probe pings the CounterStore; callers use this at startup to decide
// whether /health should report rate limiting as disabled (spec §4.5,
// last paragraph).
func Probe(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
