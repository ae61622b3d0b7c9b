package facts

import (
	"container/list"
	"sync"
	"time"
)

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// DerivedCache memoizes values derived from fact bags, keyed by
// fingerprint. Entries expire after the configured TTL and the least
// recently used entry is evicted once the cache is full. A TTL of zero
// disables expiry; a capacity of zero or less disables the cache.
type DerivedCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front is most recently used

	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time // overridable in tests
}

// NewDerivedCache builds a cache holding at most capacity entries.
func NewDerivedCache(capacity int, ttl time.Duration) *DerivedCache {
	return &DerivedCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached value for key, counting hits and misses.
// Expired entries are removed and reported as misses.
func (c *DerivedCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry
// when the cache is at capacity.
func (c *DerivedCache) Set(key string, value interface{}) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
	entry := &cacheEntry{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	c.entries[key] = c.order.PushFront(entry)
}

// Invalidate drops the entry for key if present.
func (c *DerivedCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Purge drops every entry but keeps the counters.
func (c *DerivedCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns a snapshot of the counters.
func (c *DerivedCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
	}
}

func (c *DerivedCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}
