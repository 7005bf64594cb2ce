package storage

import (
	"context"
	"sync"
)

// Persistence is a string key-value store holding serialized JSON values.
// Get returns (value, true, nil) when the key exists and ("", false, nil) when it does not.
type Persistence interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Backend names accepted by config.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// InMemoryStore implements Persistence with a process-local map.
// Safe for concurrent use.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]string),
	}
}

// Get implements Persistence.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set implements Persistence.Set. Any existing value is replaced.
func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Remove implements Persistence.Remove. Removing a missing key is not an error.
func (s *InMemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
