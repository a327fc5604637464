// Package cache defines the TTL key/value store used by the request gateway
// for successful GET results. The store is injected so tests can substitute
// a fake and bot deployments can share results through Redis.
package cache

import (
	"context"
	"time"
)

// Store — кеш успешных GET-ответов с TTL.
// Реализации: memory.Store (по умолчанию), redis.Store (мультипроцессные боты).
type Store interface {
	// Get returns the cached value, or (nil, nil) when the key is absent
	// or its TTL has elapsed. Expired entries are evicted lazily.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites any existing entry under key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes every entry whose key contains fragment as a
	// substring. Called after mutating requests to force related refetches.
	Invalidate(ctx context.Context, fragment string) error
	// Clear drops all entries (logout / full teardown).
	Clear(ctx context.Context) error
	Close() error
}

// Noop is a Store that caches nothing. Useful under test and for callers
// that opt out of caching entirely.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error)              { return nil, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Invalidate(context.Context, string) error                 { return nil }
func (Noop) Clear(context.Context) error                              { return nil }
func (Noop) Close() error                                             { return nil }
