package mcp

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache is a TTL key/value store used by the connection manager to avoid
// redundant tool and resource calls. Expiry is enforced two ways: a one-shot
// timer scheduled at insertion, and a lazy check on read, so a read past TTL
// never returns a stale value. The two paths are idempotent with each other.
//
// The cache holds no capacity bound. Entries are small and short-lived, but a
// caller that enables result caching across widely varying tool arguments can
// grow it without limit; Clear is the escape hatch.
type Cache struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
	timer     clockwork.Timer
}

// NewCache creates an empty cache driven by the given clock.
func NewCache(clock clockwork.Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// Set stores or overwrites a value with the given time-to-live and schedules
// its eviction.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	now := c.clock.Now()
	expiresAt := now.Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}

	c.entries[key] = cacheEntry{
		value:     value,
		createdAt: now,
		expiresAt: expiresAt,
		timer: c.clock.AfterFunc(ttl, func() {
			c.evictExpired(key)
		}),
	}
}

// Get returns the value for key if present and not expired. An expired entry
// is removed and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		entry.timer.Stop()
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Clear removes all entries whose key contains pattern as a substring. An
// empty pattern removes everything.
func (c *Cache) Clear(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if pattern == "" || strings.Contains(key, pattern) {
			entry.timer.Stop()
			delete(c.entries, key)
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictExpired is the timer callback. The expiry check makes it a no-op when
// the key was already evicted lazily or overwritten with a later deadline.
func (c *Cache) evictExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
	}
}
