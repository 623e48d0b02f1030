package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript is a fixed-window bucket evaluated entirely inside redis:
// one round trip, no read-then-write race between replicas. The window is
// armed by the first consumer of the window (INCR == 1) and only that
// consumer, so a request racing the rollover is judged against the bucket
// that still exists and the window never double-refills.
const consumeScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
local limit = tonumber(ARGV[1])
if current > limit then
	return {0, 0, ttl}
end
return {1, limit - current, ttl}
`

var ErrNotConfigured = errors.New("rate limiter not configured")

// Result of one admission attempt. A rejection is definitive for the
// attempt; the limiter never retries internally.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is one tier of admission control. Buckets live in the shared
// redis store keyed (tier, identity) so counts hold across replicas; they
// expire at the window boundary with no explicit reset.
type Limiter struct {
	redis  *redis.Client
	tier   string
	points int64
	window time.Duration
}

func New(rdb *redis.Client, tier string, points int, window time.Duration) *Limiter {
	if points <= 0 {
		points = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{redis: rdb, tier: tier, points: int64(points), window: window}
}

func (l *Limiter) Tier() string { return l.tier }

// Allow consumes one point for identity in the current window.
func (l *Limiter) Allow(ctx context.Context, identity string) (Result, error) {
	if l == nil || l.redis == nil {
		return Result{}, ErrNotConfigured
	}
	if identity == "" {
		identity = "unknown"
	}
	key := "ratelimit:" + l.tier + ":" + identity

	vals, err := l.redis.Eval(ctx, consumeScript, []string{key}, l.points, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 3 {
		return Result{}, errors.New("unexpected limiter script reply")
	}
	return Result{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
