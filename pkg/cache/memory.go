package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultMaxEntries bounds the in-memory cache size.
	DefaultMaxEntries = 4096

	// maxResidency caps how long any entry may stay resident regardless of
	// its own TTL; the per-entry deadline is what Get enforces.
	maxResidency = 24 * time.Hour
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache with per-entry TTL. It is safe for
// concurrent use and is the default backend when no Redis address is
// configured.
type MemoryCache struct {
	entries *lru.LRU[string, memoryEntry]
}

// NewMemoryCache creates a memory cache holding at most maxEntries entries.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{
		entries: lru.NewLRU[string, memoryEntry](maxEntries, nil, maxResidency),
	}
}

// Get returns the value for key if present and not expired.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		missesTotal.WithLabelValues("memory").Inc()
		return nil, false
	}
	// Eviction is lazy; an entry past its own deadline is still a miss.
	if time.Now().After(e.expiresAt) {
		c.entries.Remove(key)
		missesTotal.WithLabelValues("memory").Inc()
		return nil, false
	}
	hitsTotal.WithLabelValues("memory").Inc()
	return e.data, true
}

// Set stores value under key for ttl.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries.Add(key, memoryEntry{data: value, expiresAt: time.Now().Add(ttl)})
}

// Delete removes key.
func (c *MemoryCache) Delete(ctx context.Context, key string) {
	c.entries.Remove(key)
}

// DeleteByPrefix removes every key starting with prefix.
func (c *MemoryCache) DeleteByPrefix(ctx context.Context, prefix string) {
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

// Close is a no-op for the memory backend.
func (c *MemoryCache) Close() error {
	c.entries.Purge()
	return nil
}
