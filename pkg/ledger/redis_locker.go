package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld is returned by release when the lease expired or was taken over.
var ErrLockNotHeld = errors.New("ledger: trace lock no longer held")

// RedisLocker is a lease-based per-trace lock shared by every replica
// writing to the same ledger database.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker returns a locker using client. ttl bounds how long a
// crashed holder can block a trace.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "tradegate:trace-lock:",
		ttl:    ttl,
		poll:   10 * time.Millisecond,
	}
}

// NewRedisClient dials addr with the given password and database.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Acquire implements Locker. It polls until the lease is free or ctx ends.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	lockKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("redis lock %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}

	return func(ctx context.Context) error {
		n, err := redisReleaseScript.Run(ctx, r.client, []string{lockKey}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if n == 0 {
			return ErrLockNotHeld
		}
		return nil
	}, nil
}
