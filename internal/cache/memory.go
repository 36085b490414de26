package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is a process local Store backed by go-cache. It suits single instance
// deployments and tests; multi-instance deployments should use Redis.
type MemoryStore struct {
	mu    sync.Mutex
	items *gocache.Cache
}

// NewMemoryStore creates a MemoryStore that sweeps expired entries every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// IncrementWithTTL increments key, starting a new window when the key is absent or expired.
func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.items.Add(key, int64(1), window); err == nil {
		return 1, window, nil
	}

	count, err := s.items.IncrementInt64(key, 1)
	if err != nil {
		// The previous window expired between Add and IncrementInt64.
		s.items.Set(key, int64(1), window)
		return 1, window, nil
	}

	_, expiresAt, _ := s.items.GetWithExpiration(key)
	ttl := window
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
	}
	return count, ttl, nil
}

// Set stores a copy of value. A non-positive ttl keeps the entry until it is deleted.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.items.Set(key, buf, ttl)
	return nil
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, ok := s.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	value, ok := raw.([]byte)
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, true, nil
}

// Delete removes keys from the store.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.items.Delete(key)
	}
	return nil
}
