package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedKeyPrefix = "widget:"

// MemcachedStore implements Persistence using memcached. Items are stored
// without expiration; freshness is decided by the caller from the value itself.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use client defaults when zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemcachedStore) key(k string) string {
	return memcachedKeyPrefix + k
}

// Get implements Persistence.Get.
func (s *MemcachedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	item, err := s.client.Get(s.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(item.Value), true, nil
}

// Set implements Persistence.Set.
func (s *MemcachedStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Set(&memcache.Item{
		Key:   s.key(key),
		Value: []byte(value),
	})
}

// Remove implements Persistence.Remove. A missing key is not an error.
func (s *MemcachedStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.client.Delete(s.key(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
