package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCacheFactory creates LRU cache instances.
type LRUCacheFactory struct {
	maxSize int
}

// NewLRUCacheFactory creates a new LRU cache factory.
func NewLRUCacheFactory(maxSize int) LocalCacheFactory {
	return &LRUCacheFactory{maxSize: maxSize}
}

// Create creates a new LRU cache instance.
func (f *LRUCacheFactory) Create() (LocalCache, error) {
	return NewLRUCache(f.maxSize)
}

// LRUCache is a fixed-size local cache backed by golang-lru.
type LRUCache struct {
	cache     *lru.Cache[string, any]
	maxSize   int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	onRemove  atomic.Pointer[func(key string)]
}

// NewLRUCache creates a new LRU-based local cache.
func NewLRUCache(maxSize int) (*LRUCache, error) {
	c := &LRUCache{maxSize: int64(maxSize)}
	cache, err := lru.NewWithEvict[string, any](maxSize, func(key string, _ any) {
		if fn := c.onRemove.Load(); fn != nil {
			(*fn)(key)
		}
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// OnRemove registers fn for keys leaving the cache. golang-lru reports
// deletes and purges as well as evictions.
func (c *LRUCache) OnRemove(fn func(key string)) {
	c.onRemove.Store(&fn)
}

// Get retrieves a value from the local cache.
func (c *LRUCache) Get(key string) (any, bool) {
	value, found := c.cache.Get(key)
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, found
}

// Set stores a value in the local cache. Cost is ignored.
func (c *LRUCache) Set(key string, value any, _ int64) bool {
	if c.cache.Add(key, value) {
		c.evictions.Add(1)
	}
	return true
}

// Delete removes a value from the local cache.
func (c *LRUCache) Delete(key string) {
	c.cache.Remove(key)
}

// Clear removes all values from the local cache.
func (c *LRUCache) Clear() {
	c.cache.Purge()
}

// Close releases the local cache.
func (c *LRUCache) Close() {
	c.cache.Purge()
}

// Len returns the number of cached values.
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Metrics returns cache metrics.
func (c *LRUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.maxSize,
	}
}
