// Package cache provides the shared key/value store behind pending two-factor
// enrollments, login challenges and rate limit counters. Redis is preferred; the database
// and in-process stores cover single-node and test setups.
package cache

import (
	"context"
	"time"
)

// Store is implemented by RedisStore, DatabaseStore and MemoryStore.
type Store interface {
	// Get reports ok=false for missing and expired keys without an error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value. A non-positive ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys and ignores the ones that do not exist.
	Delete(ctx context.Context, keys ...string) error
	// IncrementWithTTL counts hits inside a window and returns the new count and the time
	// left in the window.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}
