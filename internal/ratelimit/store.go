// Package ratelimit implements the sliding-window RateLimiter of spec
// §4.5/§9, backed by Redis sorted sets accessed through a single atomic
// Lua script per window — the "sorted set keyed by event timestamp;
// prune by range-remove; count; conditionally add; apply TTL" sequence
// the spec's design notes call for, executed server-side so concurrent
// gateway instances never double-admit a principal.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// checkScript implements §4.5 steps 1-4 for a single window, atomically:
// prune events older than the window, count survivors, and if under
// limit append `now` under a fresh member and refresh the key TTL.
// Returns {allowed(0/1), count_after, oldest_surviving_score_ms}.
const checkScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

local cutoff = now - window
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)

if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, ttl)
	return {1, count + 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = 0
if #oldest >= 2 then
	oldestScore = oldest[2]
end
return {0, count, oldestScore}
`

// usageScript implements the read-only prune-count of §4.5's usage():
// it prunes expired events but never appends, so back-to-back calls with
// no intervening check() return identical counts (spec §8 invariant 5).
const usageScript = `
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
return redis.call('ZCARD', key)
`

// WindowStore is a single (window size, limit) CounterStore instance.
type WindowStore struct {
	client *redis.Client
	label  string // "minute" | "hour", used only for key namespacing/logs
	window time.Duration
	limit  int64
	slack  time.Duration
}

// NewWindowStore builds a WindowStore. slack is the extra TTL margin
// added on top of window (spec §9 open question (b): any value in
// [1s, window] is acceptable; DESIGN.md records the chosen 5s).
func NewWindowStore(client *redis.Client, label string, window time.Duration, limit int64, slack time.Duration) *WindowStore {
	return &WindowStore{client: client, label: label, window: window, limit: limit, slack: slack}
}

func (s *WindowStore) key(principal string) string {
	return fmt.Sprintf("ratelimit:{%s}:%s", principal, s.label)
}

// Check runs the atomic protocol and returns whether this window admits
// the request, and — if denied — the retry-after duration.
func (s *WindowStore) Check(ctx context.Context, principal string, now time.Time) (allowed bool, retryAfter time.Duration, err error) {
	nowMillis := now.UnixMilli()
	ttlMillis := (s.window + s.slack).Milliseconds()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	res, err := s.client.Eval(ctx, checkScript,
		[]string{s.key(principal)},
		nowMillis, s.window.Milliseconds(), s.limit, ttlMillis, member,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit check (%s) failed: %w", s.label, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return false, 0, fmt.Errorf("ratelimit check (%s): unexpected script result %#v", s.label, res)
	}

	if toInt64(arr[0]) == 1 {
		return true, 0, nil
	}

	oldestMillis := toInt64(arr[2])
	retryAt := time.UnixMilli(oldestMillis).Add(s.window)
	d := retryAt.Sub(now)
	if d < 0 {
		d = 0
	}
	// ceil(oldest + W - now), per spec §4.5 step 5.
	retryAfter = time.Duration(math.Ceil(d.Seconds())) * time.Second
	return false, retryAfter, nil
}

// Usage returns the pruned cardinality without appending a new event.
func (s *WindowStore) Usage(ctx context.Context, principal string, now time.Time) (int64, error) {
	cutoff := now.Add(-s.window).UnixMilli()
	res, err := s.client.Eval(ctx, usageScript, []string{s.key(principal)}, cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit usage (%s) failed: %w", s.label, err)
	}
	return toInt64(res), nil
}

// Limit reports the configured limit for this window.
func (s *WindowStore) Limit() int64 { return s.limit }

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
