package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/khozyainov/andy/internal/retry"
)

// RedisStore implements Store on a Redis server, for agents whose long-term
// memory outlives the robot's local disk.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore connects to the Redis DSN, retrying the initial ping with
// backoff so a robot booting alongside its Redis container comes up cleanly.
func NewRedisStore(dsn string, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "memory").Logger(),
	}, nil
}

func redisKey(namespace, key string) string { return "andy:" + namespace + ":" + key }

// Store implements Store.
func (s *RedisStore) Store(ctx context.Context, namespace, key string, value []byte) error {
	if namespace == "" || key == "" {
		return fmt.Errorf("memory: namespace and key required")
	}
	if err := s.client.Set(ctx, redisKey(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("memory store %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Recall implements Store.
func (s *RedisStore) Recall(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memory recall %s/%s: %w", namespace, key, err)
	}
	return v, true, nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
