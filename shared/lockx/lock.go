package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete: the lock is removed only while the holder's token is
// still stored, so a holder whose TTL lapsed cannot release a lock another
// replica has since acquired.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Mutex is a single-attempt distributed lock. It never blocks or retries;
// callers that lose the race are expected to walk away and let the holder
// (or a later redelivery) finish the work.
type Mutex struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire grabs key for ttl. The second return reports whether this
// caller now holds the lock; false with a nil error means someone else does.
func TryAcquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Mutex, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	held, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !held {
		return nil, false, err
	}
	return &Mutex{client: client, key: key, token: token}, true, nil
}

func (m *Mutex) Release(ctx context.Context) error {
	if m == nil {
		return errors.New("mutex is nil")
	}
	return m.client.Eval(ctx, releaseScript, []string{m.key}, m.token).Err()
}
