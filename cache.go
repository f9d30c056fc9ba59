package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheClearer is what the invalidation coordinator needs from a REST cache.
type CacheClearer interface {
	ClearCache(keyPrefix string) int
}

type cacheEntry struct {
	data     []byte
	storedAt time.Time
}

// RequestCache is a goroutine-safe in-memory cache of REST GET responses
// keyed by request path plus encoded query.
type RequestCache struct {
	ttl   time.Duration
	clock Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
	fills   map[uint64]*pendingFill
	nextID  uint64
}

// pendingFill is a GET in flight for key. A clear that matches key while
// the request runs marks it stale so its response is never stored.
type pendingFill struct {
	key   string
	stale bool
}

// NewRequestCache creates a cache. ttl <= 0 keeps entries until cleared.
func NewRequestCache(ttl time.Duration, clock Clock) *RequestCache {
	return &RequestCache{
		ttl:     ttl,
		clock:   clockOrSystem(clock),
		entries: make(map[string]cacheEntry),
		fills:   make(map[uint64]*pendingFill),
	}
}

// Get returns a cached body.
func (c *RequestCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.clock.Now().Sub(e.storedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

// Set stores a body.
func (c *RequestCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: append([]byte(nil), data...), storedAt: c.clock.Now()}
}

// beginFill registers a request about to fetch key.
func (c *RequestCache) beginFill(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.fills[c.nextID] = &pendingFill{key: key}
	return c.nextID
}

// commitFill stores data for the fill unless a clear overlapped it, and
// reports whether it stored.
func (c *RequestCache) commitFill(id uint64, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fills[id]
	delete(c.fills, id)
	if !ok || f.stale {
		return false
	}
	c.entries[f.key] = cacheEntry{data: append([]byte(nil), data...), storedAt: c.clock.Now()}
	return true
}

func (c *RequestCache) abandonFill(id uint64) {
	c.mu.Lock()
	delete(c.fills, id)
	c.mu.Unlock()
}

// ClearCache drops every key starting with keyPrefix and returns how many
// were dropped. Requests in flight for a matching key will not be cached.
func (c *RequestCache) ClearCache(keyPrefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.fills {
		if strings.HasPrefix(f.key, keyPrefix) {
			f.stale = true
		}
	}
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, keyPrefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Keys returns the cached keys, sorted.
func (c *RequestCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached responses.
func (c *RequestCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
