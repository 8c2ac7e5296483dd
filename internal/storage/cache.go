package storage

import (
	"sync"
	"time"
)

// tierACache is the State Store's near-cache with TTL (spec.md §4.1's Tier
// A). It never touches Postgres; a miss or eviction falls through to Tier B.
type tierACache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	bypassMu     sync.Mutex
	lastBypassAt map[string]time.Time
}

type cacheEntry struct {
	value      []byte
	compressed bool
	expiresAt  time.Time
}

func newTierACache() *tierACache {
	return &tierACache{
		entries:      make(map[string]cacheEntry),
		lastBypassAt: make(map[string]time.Time),
	}
}

func (c *tierACache) get(key string) ([]byte, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false, false
	}
	return e.value, e.compressed, true
}

func (c *tierACache) put(key string, value []byte, compressed bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = cacheEntry{value: value, compressed: compressed, expiresAt: expiresAt}
}

func (c *tierACache) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// logBypassOnce reports whether a cache-bypass warning for keyPrefix should
// be logged now, rate-limited to once per minute per prefix (spec.md §4.1:
// "log cache-bypass once per minute per key prefix").
func (c *tierACache) logBypassOnce(keyPrefix string) bool {
	c.bypassMu.Lock()
	defer c.bypassMu.Unlock()
	last, ok := c.lastBypassAt[keyPrefix]
	if ok && time.Since(last) < time.Minute {
		return false
	}
	c.lastBypassAt[keyPrefix] = time.Now()
	return true
}

func keyPrefix(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
