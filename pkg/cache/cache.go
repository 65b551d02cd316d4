// Package cache provides the shared caching layer used by the broker's
// hot-path reads: provider configuration, discovery documents, and JWKS.
//
// The layer is strictly best-effort. A backend failure is reported to the
// caller as a miss, and failed writes are logged and dropped. Callers must
// always be able to fall back to their authoritative store; correctness
// never depends on the cache being reachable.
package cache

import (
	"context"
	"time"
)

// Cache is a namespaced key/value store with per-entry TTL.
//
// Get never returns an entry whose TTL has elapsed, even when physical
// eviction is lazy. Delete and DeleteByPrefix are atomic with respect to
// concurrent reads: once either returns, no reader observes a matching
// stale value.
type Cache interface {
	// Get returns the value for key, or ok=false on miss. Backend errors
	// are indistinguishable from misses.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key for ttl. Best-effort; failures are logged
	// and swallowed.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key.
	Delete(ctx context.Context, key string)

	// DeleteByPrefix removes every key starting with prefix.
	DeleteByPrefix(ctx context.Context, prefix string)

	// Close releases backend resources.
	Close() error
}
