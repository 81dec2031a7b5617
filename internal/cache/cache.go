// Package cache implements the opaque TTL key/value store used by the REST
// backend to avoid refetching the host-override list on every call.
package cache

import (
	"sync"
	"time"
)

// entry holds a cached value alongside its absolute expiry time.
type entry struct {
	value  interface{}
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiry)
}

// Cache is a thread-safe TTL map. Readers never observe a partially-written
// entry; an expired entry is treated as a miss by Get but its physical
// removal may be deferred to Cleanup.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
}

// New creates a Cache whose entries expire after defaultTTL unless Set is
// given an explicit override.
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
	}
}

// Get returns the cached value for key and true, or nil and false if the
// key is absent or its entry has expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL. Pass a positive
// ttl to override it for this entry.
func (c *Cache) Set(key string, value interface{}, ttl ...time.Duration) {
	effectiveTTL := c.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		effectiveTTL = ttl[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiry: time.Now().Add(effectiveTTL)}
}

// Invalidate removes a single key regardless of its expiry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Cleanup physically evicts every expired entry and returns how many were
// removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of entries currently stored, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
