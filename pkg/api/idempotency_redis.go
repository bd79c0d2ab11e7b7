package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares replay state across replicas. Expiry is
// delegated to Redis.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		prefix: "tradegate:idempotency:",
		ttl:    ttl,
		logger: slog.Default().With("component", "idempotency"),
	}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	raw, err := json.Marshal(cachedResponse{StatusCode: statusCode, Headers: headers, Body: body, CachedAt: time.Now()})
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}
