package cache

import (
	"sync"
	"time"
)

// IdempotencyCache tracks client-supplied idempotency keys for a bounded
// window, so a replayed RPC request (client retry after a dropped response,
// at-least-once delivery from a reconnecting WebSocket) can be recognized
// and short-circuited instead of re-executed.
type IdempotencyCache struct {
	mu      sync.Mutex
	cache   map[string]int64 // key -> timestamp
	ttl     time.Duration
	maxSize int
}

// IdempotencyCacheOptions configures the cache.
type IdempotencyCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewIdempotencyCache creates a new idempotency cache.
func NewIdempotencyCache(opts IdempotencyCacheOptions) *IdempotencyCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}

	return &IdempotencyCache{
		cache:   make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check returns true if the key was seen within TTL (a replay).
// Also adds/updates the key with the current timestamp.
func (c *IdempotencyCache) Check(key string) bool {
	return c.CheckAt(key, time.Now())
}

// CheckAt checks for a replay with an explicit timestamp (for testing).
func (c *IdempotencyCache) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowUnix := now.UnixMilli()

	// Check if key exists and is still valid
	if existing, ok := c.cache[key]; ok {
		if c.ttl <= 0 || nowUnix-existing < c.ttl.Milliseconds() {
			// Key exists and is within TTL - replay
			c.touch(key, nowUnix)
			return true
		}
	}

	// Not a replay, add/update the key
	c.touch(key, nowUnix)
	c.prune(nowUnix)
	return false
}

// touch updates the key timestamp; prune evicts by oldest timestamp
func (c *IdempotencyCache) touch(key string, timestamp int64) {
	// Refreshing the timestamp is what makes a touched key the newest
	delete(c.cache, key)
	c.cache[key] = timestamp
}

// prune removes expired and excess entries
func (c *IdempotencyCache) prune(nowUnix int64) {
	// Remove expired entries
	if c.ttl > 0 {
		cutoff := nowUnix - c.ttl.Milliseconds()
		for key, ts := range c.cache {
			if ts < cutoff {
				delete(c.cache, key)
			}
		}
	}

	// Enforce max size (remove oldest)
	if c.maxSize <= 0 {
		c.cache = make(map[string]int64)
		return
	}

	for len(c.cache) > c.maxSize {
		// Find oldest key (maps aren't ordered, so we need to find min)
		var oldestKey string
		var oldestTs int64 = int64(^uint64(0) >> 1) // max int64
		for k, ts := range c.cache {
			if ts < oldestTs {
				oldestTs = ts
				oldestKey = k
			}
		}
		if oldestKey != "" {
			delete(c.cache, oldestKey)
		} else {
			break
		}
	}
}

// Clear removes all entries
func (c *IdempotencyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]int64)
}

// Size returns current number of entries
func (c *IdempotencyCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Contains checks if key exists without updating timestamp
func (c *IdempotencyCache) Contains(key string) bool {
	return c.ContainsAt(key, time.Now())
}

// ContainsAt checks if key exists with explicit timestamp
func (c *IdempotencyCache) ContainsAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.cache[key]
	if !ok {
		return false
	}

	if c.ttl <= 0 {
		return true
	}

	return now.UnixMilli()-existing < c.ttl.Milliseconds()
}

// Remove removes a specific key
func (c *IdempotencyCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// Keys returns all current keys (for debugging)
func (c *IdempotencyCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}

// RequestDedupeKey builds the dedupe key for one client request carrying
// an idempotency key, scoped to the session it targets so two different
// sessions reusing the same client-generated key never collide.
func RequestDedupeKey(sessionID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	if sessionID == "" {
		return idempotencyKey
	}
	return sessionID + ":" + idempotencyKey
}
