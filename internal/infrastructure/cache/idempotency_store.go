package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gap-service/donation_service/pkg/idempotency"
)

const idempotencyPrefix = "idempotency:"

var _ idempotency.Store = (*RedisIdempotencyStore)(nil)

// RedisIdempotencyStore keeps idempotency records in Redis with per-key TTLs
type RedisIdempotencyStore struct {
	client RedisClient
}

func NewRedisIdempotencyStore(client RedisClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := s.client.Get(ctx, idempotencyPrefix+key, &rec)
	if errors.Is(err, ErrCacheMiss) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, record *idempotency.Record, ttl time.Duration) error {
	return s.client.Set(ctx, idempotencyPrefix+record.Key, record, ttl)
}
