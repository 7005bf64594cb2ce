package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "widget:"

// RedisStore implements Persistence using redis. Values are written without TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore for a single redis node.
func NewRedisStore(addr, password string, db int, timeout time.Duration) *RedisStore {
	if addr == "" {
		addr = "localhost:6379"
	}
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return &RedisStore{client: redis.NewClient(opts)}
}

// Get implements Persistence.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Set implements Persistence.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, redisKeyPrefix+key, value, 0).Err()
}

// Remove implements Persistence.Remove.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Ping checks if redis is reachable.
func (s *RedisStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
