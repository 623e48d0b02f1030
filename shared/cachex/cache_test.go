package cachex

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb), mr
}

func TestSetGetJSONWithTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	type post struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	in := post{ID: "p1", Content: "hello"}
	if err := c.SetJSON(ctx, "post:p1", in, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out post
	hit, err := c.GetJSON(ctx, "post:p1", &out)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %#v", out)
	}
	if ttl := mr.TTL("post:p1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	hit, err = c.GetJSON(ctx, "post:p1", &out)
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if hit {
		t.Fatalf("expected miss after expiry")
	}
}

func TestGetJSONMissIsNotAnError(t *testing.T) {
	c, _ := newTestClient(t)
	var out map[string]any
	hit, err := c.GetJSON(context.Background(), "absent", &out)
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if hit {
		t.Fatalf("expected miss")
	}
}

func TestDeleteByPatternRemovesWholeFamily(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for _, key := range []string{"posts:1:10", "posts:2:10", "posts:1:50"} {
		if err := c.SetJSON(ctx, key, []string{"x"}, time.Minute); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	if err := c.SetJSON(ctx, "post:p1", "v", time.Minute); err != nil {
		t.Fatalf("seed single: %v", err)
	}

	n, err := c.DeleteByPattern(ctx, "posts:*")
	if err != nil {
		t.Fatalf("delete by pattern: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	if mr.Exists("posts:1:10") || mr.Exists("posts:2:10") || mr.Exists("posts:1:50") {
		t.Fatalf("listing keys survived invalidation")
	}
	if !mr.Exists("post:p1") {
		t.Fatalf("single-resource key must be untouched by listing pattern")
	}
}
