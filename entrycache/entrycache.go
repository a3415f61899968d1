// Package entrycache implements the reference-counted, size-bounded entry
// cache shared by every cursor of a managed log (spec.md section 4.4).
package entrycache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/liftbridge-io/managedlog/entry"
	"github.com/liftbridge-io/managedlog/position"
)

// Cache is a reference-counted cache of entries keyed by Position. Capacity
// is expressed in bytes; eviction is LRU by last access. When the configured
// capacity is zero, the cache is a pass-through: Get always misses and Put
// is a no-op, so every read falls through to the segment store.
type Cache struct {
	mu          sync.Mutex
	maxBytes    int64
	usedBytes   int64
	lru         *lru.LRU
	passThrough bool

	hits   int64
	misses int64
}

// New returns a Cache bounded by maxBytes. maxBytes == 0 disables caching.
func New(maxBytes int64) *Cache {
	c := &Cache{maxBytes: maxBytes, passThrough: maxBytes == 0}
	if c.passThrough {
		return c
	}
	// The underlying LRU is keyed by count, not bytes; we manage the byte
	// budget ourselves in Put and size it generously so count
	// eviction never triggers before our own byte-based eviction does.
	l, _ := lru.NewLRU(1<<31-1, c.onEvictLocked)
	c.lru = l
	return c
}

// onEvictLocked is invoked by the underlying LRU when an entry is evicted by
// count (which our sizing makes effectively unreachable) or removed
// explicitly; it always drops the cache's own reference.
func (c *Cache) onEvictLocked(key interface{}, value interface{}) {
	e := value.(*entry.Entry)
	c.usedBytes -= e.Size()
	e.Release()
}

// Get returns the cached entry for p, retaining an additional reference for
// the caller, who must Release it. ok is false on a miss or pass-through.
func (c *Cache) Get(p position.Position) (*entry.Entry, bool) {
	if c.passThrough {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(p)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e := v.(*entry.Entry)
	e.Retain()
	return e, true
}

// Put inserts e into the cache, retaining the cache's own reference, and
// evicts least-recently-used entries until the cache is back under its byte
// budget. Put is a no-op on a pass-through cache.
func (c *Cache) Put(e *entry.Entry) {
	if c.passThrough {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.lru.Get(e.Position); exists {
		return
	}
	e.Retain()
	c.usedBytes += e.Size()
	c.lru.Add(e.Position, e)
	for c.usedBytes > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// Remove evicts p from the cache, if present, dropping the cache's
// reference. Used when the segment holding p is trimmed.
func (c *Cache) Remove(p position.Position) {
	if c.passThrough {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(p)
}

// Stats reports cache hit/miss counters and current byte usage, for metrics.
type Stats struct {
	Hits, Misses, UsedBytes, MaxBytes int64
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, UsedBytes: c.usedBytes, MaxBytes: c.maxBytes}
}
