package fusion

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/hybridmemory/internal/memstore"
)

// cacheEntry is one cached ranked result list, grounded on
// RedClaus-cortex/core/internal/cognitive/router/embedder.go's cacheEntry.
type cacheEntry struct {
	key       string
	value     []memstore.SearchHit
	timestamp time.Time
}

// resultCache is a mutex-guarded LRU with TTL eviction over the final
// ranked search result (spec §4.8 step 8). Structurally identical to
// RedClaus-cortex's embeddingCache (map + insertion-order slice, evict
// oldest on overflow, drop-on-read when expired) just keyed by query+filter
// hash instead of normalized embedding text.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []*cacheEntry
	maxSize int
	ttl     time.Duration

	// hits/misses are read by system.status (spec §6's metrics.cacheHits/
	// cacheMisses); they're plain atomics rather than fields under mu since
	// they're only ever incremented, never compared-and-swapped together.
	hits   atomic.Int64
	misses atomic.Int64
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *resultCache) get(key string) ([]memstore.SearchHit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Since(entry.timestamp) > c.ttl {
		c.removeLocked(key)
		c.misses.Add(1)
		return nil, false
	}
	c.moveToBackLocked(entry)
	c.hits.Add(1)
	return entry.value, true
}

// clear drops every cached entry, used after system.restore swaps the
// entire store's contents out from under any results the cache is holding.
func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
}

// stats returns the running hit/miss counters.
func (c *resultCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *resultCache) put(key string, value []memstore.SearchHit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.timestamp = time.Now()
		c.moveToBackLocked(existing)
		return
	}

	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		c.removeLocked(c.order[0].key)
	}

	entry := &cacheEntry{key: key, value: value, timestamp: time.Now()}
	c.entries[key] = entry
	c.order = append(c.order, entry)
}

func (c *resultCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for i, e := range c.order {
		if e == entry {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *resultCache) moveToBackLocked(entry *cacheEntry) {
	for i, e := range c.order {
		if e == entry {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, entry)
}
