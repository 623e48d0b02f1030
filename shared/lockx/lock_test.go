package lockx

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestTryAcquireIsExclusiveUntilReleased(t *testing.T) {
	_, rdb := testClient(t)
	ctx := context.Background()

	lock, ok, err := TryAcquire(ctx, rdb, "purge:media-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	_, ok, err = TryAcquire(ctx, rdb, "purge:media-1", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("lock must be exclusive")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, ok, err = TryAcquire(ctx, rdb, "purge:media-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseIgnoresStolenLock(t *testing.T) {
	mr, rdb := testClient(t)
	ctx := context.Background()

	lock, ok, err := TryAcquire(ctx, rdb, "purge:media-2", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	mr.FastForward(time.Second)
	_, ok, err = TryAcquire(ctx, rdb, "purge:media-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}

	// The expired holder's release must not remove the new holder's lock.
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("purge:media-2") {
		t.Fatalf("new holder's lock was removed by stale release")
	}
}
