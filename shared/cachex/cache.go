package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"microblog-platform/shared/config"
)

// deleteByPatternScript removes every key matching the pattern inside redis,
// so concurrent replicas never interleave between the lookup and the delete.
const deleteByPatternScript = `
local keys = redis.call("KEYS", ARGV[1])
local n = 0
for i = 1, #keys do
	n = n + redis.call("DEL", keys[i])
end
return n
`

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

// NewWithClient wraps an existing redis client; used by tests and by callers
// that share one connection across cache and rate limiting.
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

// GetJSON reports (false, nil) on a miss so callers can fall through to the
// backing store without branching on redis.Nil.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errors.New("redis client not initialized")
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

// DeleteByPattern removes every key matching pattern (e.g. "posts:*") in a
// single round trip.
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	if c == nil || c.redis == nil {
		return 0, errors.New("redis client not initialized")
	}
	n, err := c.redis.Eval(ctx, deleteByPatternScript, nil, pattern).Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
