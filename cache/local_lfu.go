package cache

import (
	"sync/atomic"

	lfu "github.com/dgraph-io/ristretto"
)

// LFUCacheFactory creates Ristretto cache instances.
type LFUCacheFactory struct {
	config LocalCacheConfig
}

// NewLFUCacheFactory creates a new Ristretto cache factory.
func NewLFUCacheFactory(config LocalCacheConfig) LocalCacheFactory {
	return &LFUCacheFactory{config: config}
}

// Create creates a new Ristretto cache instance.
func (f *LFUCacheFactory) Create() (LocalCache, error) {
	return NewLFUCache(f.config)
}

// LFUCache is a local cache with TinyLFU admission backed by Ristretto.
type LFUCache struct {
	cache     *lfu.Cache
	maxCost   int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	onRemove  atomic.Pointer[func(key string)]
}

// lfuEntry keeps the key next to the value; Ristretto only hands the key
// hash to its callbacks.
type lfuEntry struct {
	key   string
	value any
}

// NewLFUCache creates a new Ristretto-based local cache.
func NewLFUCache(config LocalCacheConfig) (*LFUCache, error) {
	c := &LFUCache{maxCost: config.MaxCost}
	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters:        config.NumCounters,
		MaxCost:            config.MaxCost,
		BufferItems:        config.BufferItems,
		IgnoreInternalCost: config.IgnoreInternalCost,
		OnEvict: func(item *lfu.Item) {
			c.evictions.Add(1)
			c.removed(item)
		},
		OnReject: c.removed,
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// OnRemove registers fn for evicted and rejected keys. Callbacks for a Set
// have run by the time Set returns.
func (c *LFUCache) OnRemove(fn func(key string)) {
	c.onRemove.Store(&fn)
}

func (c *LFUCache) removed(item *lfu.Item) {
	fn := c.onRemove.Load()
	if fn == nil {
		return
	}
	if e, ok := item.Value.(lfuEntry); ok {
		(*fn)(e.key)
	}
}

// Get retrieves a value from the local cache.
func (c *LFUCache) Get(key string) (any, bool) {
	value, found := c.cache.Get(key)
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value.(lfuEntry).value, true
}

// Set stores a value and waits for the write buffer to drain so the value
// is visible to the next Get.
func (c *LFUCache) Set(key string, value any, cost int64) bool {
	ok := c.cache.Set(key, lfuEntry{key: key, value: value}, cost)
	c.cache.Wait()
	return ok
}

// Delete removes a value from the local cache.
func (c *LFUCache) Delete(key string) {
	c.cache.Del(key)
}

// Clear removes all values from the local cache.
func (c *LFUCache) Clear() {
	c.cache.Clear()
}

// Close closes the local cache.
func (c *LFUCache) Close() {
	c.cache.Close()
}

// Metrics returns cache metrics.
func (c *LFUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.maxCost,
	}
}
