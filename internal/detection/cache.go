package detection

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long a detection result is served from the cache
const DefaultCacheTTL = 5 * time.Minute

// Cache is a single-slot detection result cache. An entry is valid while
// now - detectedAt < ttl.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	mcps       []MCPCapability
	detectedAt time.Time
	filled     bool
}

// NewCache creates a cache. A zero ttl uses DefaultCacheTTL; a nil clock
// uses time.Now.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now}
}

// Get returns a copy of the cached MCPs if the entry is still valid
func (c *Cache) Get() ([]MCPCapability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filled || c.now().Sub(c.detectedAt) >= c.ttl {
		return nil, false
	}
	return cloneAll(c.mcps), true
}

// Put replaces the cached entry
func (c *Cache) Put(mcps []MCPCapability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mcps = cloneAll(mcps)
	c.detectedAt = c.now()
	c.filled = true
}

// Invalidate drops the cached entry
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mcps = nil
	c.filled = false
}

// DetectedAt returns when the current entry was stored
func (c *Cache) DetectedAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detectedAt, c.filled
}

// TTL returns the configured entry lifetime
func (c *Cache) TTL() time.Duration { return c.ttl }
