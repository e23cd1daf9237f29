package contextasm

import (
	"slices"
	"sync"
	"time"
)

// defaultCacheEntries bounds the fallback cache.
const defaultCacheEntries = 1024

type cacheEntry struct {
	result Result
	stored time.Time
}

// Cache holds the last good knowledge result per query for up to ttl.
// When full, the oldest entry is evicted.
type Cache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a cache. now defaults to time.Now.
func NewCache(ttl time.Duration, maxEntries int, now func() time.Time) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, max: maxEntries, now: now, entries: make(map[string]cacheEntry)}
}

// Put stores a copy of r as the last good result for q.
func (c *Cache) Put(q Query, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := q.key()
	if _, ok := c.entries[k]; !ok && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[k] = cacheEntry{result: r.clone(), stored: c.now()}
}

// Get returns a copy of the cached result for q and when it was stored.
// Expired entries are dropped and reported as misses.
func (c *Cache) Get(q Query) (Result, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := q.key()
	e, ok := c.entries[k]
	if !ok {
		return Result{}, time.Time{}, false
	}
	if c.now().Sub(e.stored) > c.ttl {
		delete(c.entries, k)
		return Result{}, time.Time{}, false
	}
	return e.result.clone(), e.stored, true
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var oldest string
	var at time.Time
	for k, e := range c.entries {
		if oldest == "" || e.stored.Before(at) {
			oldest, at = k, e.stored
		}
	}
	delete(c.entries, oldest)
}

// clone copies Items so callers cannot modify a cached entry.
func (r Result) clone() Result {
	return Result{Items: slices.Clone(r.Items)}
}
