package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, points int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "global", points, window), mr
}

func TestAllowUpToCeilingThenReject(t *testing.T) {
	l, _ := newLimiter(t, 100, time.Second)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		res, err := l.Allow(ctx, "198.51.100.1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d rejected below ceiling", i+1)
		}
	}
	res, err := l.Allow(ctx, "198.51.100.1")
	if err != nil {
		t.Fatalf("allow 101: %v", err)
	}
	if res.Allowed {
		t.Fatalf("101st request within the window must be rejected")
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining must never go negative, got %d", res.Remaining)
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected retry-after hint, got %v", res.RetryAfter)
	}
}

func TestWindowRolloverResetsBucket(t *testing.T) {
	l, mr := newLimiter(t, 2, time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, err := l.Allow(ctx, "u1"); err != nil || !res.Allowed {
			t.Fatalf("warm-up %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}
	if res, _ := l.Allow(ctx, "u1"); res.Allowed {
		t.Fatalf("expected exhaustion")
	}

	mr.FastForward(1100 * time.Millisecond)

	res, err := l.Allow(ctx, "u1")
	if err != nil {
		t.Fatalf("allow after rollover: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("admission must resume after the window rolls over")
	}
	if res.Remaining != 1 {
		t.Fatalf("fresh window must not carry old points, remaining=%d", res.Remaining)
	}
}

func TestBucketsAreIndependentPerIdentity(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "alice"); !res.Allowed {
		t.Fatalf("alice first request rejected")
	}
	if res, _ := l.Allow(ctx, "alice"); res.Allowed {
		t.Fatalf("alice second request must be rejected")
	}
	if res, _ := l.Allow(ctx, "bob"); !res.Allowed {
		t.Fatalf("bob must not share alice's bucket")
	}
}

func TestNilClientFailsFast(t *testing.T) {
	var l *Limiter
	if _, err := l.Allow(context.Background(), "x"); err == nil {
		t.Fatalf("expected ErrNotConfigured")
	}
}
