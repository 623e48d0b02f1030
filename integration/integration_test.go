//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// TestDependencies smoke-checks every backing store the platform binaries
// expect: missing env vars skip their section so the test is usable against
// a partial dev stack.
func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
		for _, table := range []string{"users", "refresh_tokens", "posts", "search_documents", "media"} {
			var one int
			if err := pool.QueryRow(ctx, "SELECT 1 FROM "+table+" LIMIT 1").Scan(&one); err != nil && !strings.Contains(err.Error(), "no rows") {
				t.Logf("table %s not queryable: %v", table, err)
			}
		}
	} else {
		t.Skip("DATABASE_URL not set")
	}

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	for _, topic := range []string{"post.created", "post.deleted"} {
		if _, err := conn.ReadPartitions(topic); err != nil {
			t.Logf("topic %s not readable: %v", topic, err)
		}
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	if blobDir := os.Getenv("BLOB_DIR"); blobDir != "" {
		probe := filepath.Join(blobDir, ".write-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			t.Fatalf("blob dir not writable: %v", err)
		}
		_ = os.Remove(probe)
	} else {
		t.Skip("BLOB_DIR not set")
	}

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		asynqRedis = redisAddr
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	if _, err := inspector.GetQueueInfo("default"); err != nil && !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("asynq inspector failed: %v", err)
	}
}
