package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
)

// KeyPrefix namespaces persisted stores.
const KeyPrefix = "tabcast:state:"

// RedisStateStore keeps each store as one string value.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: KeyPrefix}
}

func (s *RedisStateStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStateStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStateStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by whoever created it.
func (s *RedisStateStore) Close() error {
	return nil
}
