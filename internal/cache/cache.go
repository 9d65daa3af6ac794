// Package cache is a small TTL key/value cache with an in-process backend
// and a Redis backend. Values are stored JSON-encoded, so every Get returns
// an independent copy of what was Set.
package cache

import (
	"context"
	"time"
)

// Store is the cache contract consumed by the pricing service.
type Store interface {
	// Get decodes the value stored under key into dst. It reports false on a
	// miss, including when the entry's TTL has elapsed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Clear drops every entry owned by this store.
	Clear(ctx context.Context) error
}

// Clock returns the current time. MemoryStore takes one so tests can
// move time forward deterministically.
type Clock func() time.Time
