package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore is a Store backed by Redis. Records are stored as JSON with
// a TTL, which makes expiry a Redis concern rather than an application
// sweep. Suitable when limits must hold across multiple instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Record, error) {
	const op = "ratelimit.RedisStore.Load"

	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("%s: failed to get record: %w", op, err)
	}

	rec := new(Record)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal record: %w", op, err)
	}

	return rec, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	const op = "ratelimit.RedisStore.Save"

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal record: %w", op, err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%s: failed to set record: %w", op, err)
	}

	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	const op = "ratelimit.RedisStore.Delete"

	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%s: failed to delete record: %w", op, err)
	}

	return nil
}
