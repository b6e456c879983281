package cache

import (
	"fmt"
	"testing"
)

func newLocalCaches(t *testing.T) map[string]LocalCache {
	t.Helper()
	out := make(map[string]LocalCache)
	for _, kind := range []string{KindLFU, KindLRU} {
		cfg := DefaultLocalCacheConfig()
		cfg.Kind = kind
		factory, err := NewLocalCacheFactory(cfg)
		if err != nil {
			t.Fatalf("Factory for %s failed: %v", kind, err)
		}
		c, err := factory.Create()
		if err != nil {
			t.Fatalf("Create %s failed: %v", kind, err)
		}
		t.Cleanup(c.Close)
		out[kind] = c
	}
	return out
}

func TestLocalCacheBasics(t *testing.T) {
	for kind, c := range newLocalCaches(t) {
		t.Run(kind, func(t *testing.T) {
			if !c.Set("key1", "value1", 1) {
				t.Fatal("Set should succeed")
			}
			if v, ok := c.Get("key1"); !ok || v != "value1" {
				t.Fatalf("Expected value1, got %v %v", v, ok)
			}
			if _, ok := c.Get("missing"); ok {
				t.Fatal("Missing key should not be found")
			}

			c.Delete("key1")
			if _, ok := c.Get("key1"); ok {
				t.Fatal("Value should not be found after deletion")
			}

			c.Set("a", 1, 1)
			c.Set("b", 2, 1)
			c.Clear()
			_, foundA := c.Get("a")
			_, foundB := c.Get("b")
			if foundA || foundB {
				t.Fatal("Cache should be empty after clear")
			}

			m := c.Metrics()
			if m.Hits != 1 || m.Misses != 4 {
				t.Fatalf("Expected 1 hit and 4 misses, got %+v", m)
			}
		})
	}
}

func TestLRUCacheEvicts(t *testing.T) {
	c, err := NewLRUCache(3)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("key%d", i), i, 1)
	}
	if c.Len() != 3 {
		t.Fatalf("Expected 3 entries, got %d", c.Len())
	}
	if _, ok := c.Get("key0"); ok {
		t.Fatal("Oldest key should be evicted")
	}
	if m := c.Metrics(); m.Evictions != 2 || m.Size != 3 {
		t.Fatalf("Expected 2 evictions and size 3, got %+v", m)
	}
}

func TestLocalCachesReportRemovals(t *testing.T) {
	lruCache, err := NewLRUCache(2)
	if err != nil {
		t.Fatalf("Failed to create lru cache: %v", err)
	}
	defer lruCache.Close()
	lfuCache, err := NewLFUCache(LocalCacheConfig{NumCounters: 100, MaxCost: 2, BufferItems: 64, IgnoreInternalCost: true})
	if err != nil {
		t.Fatalf("Failed to create lfu cache: %v", err)
	}
	defer lfuCache.Close()

	for name, c := range map[string]LocalCache{KindLRU: lruCache, KindLFU: lfuCache} {
		t.Run(name, func(t *testing.T) {
			var removed []string
			c.(RemovalNotifier).OnRemove(func(key string) { removed = append(removed, key) })

			stored := 0
			for i := 0; i < 10; i++ {
				if c.Set(fmt.Sprintf("key%d", i), i, 1) {
					stored++
				}
			}

			present := 0
			for i := 0; i < 10; i++ {
				if _, ok := c.Get(fmt.Sprintf("key%d", i)); ok {
					present++
				}
			}
			if present > 2 {
				t.Fatalf("Expected at most 2 entries, got %d", present)
			}
			if stored-len(removed) != present {
				t.Fatalf("Stored %d, removed %v, but %d present", stored, removed, present)
			}
		})
	}
}

func TestLRUCacheInvalidSize(t *testing.T) {
	if _, err := NewLRUCache(0); err == nil {
		t.Fatal("Expected error when creating cache with size 0")
	}
	if _, err := NewLocalCacheFactory(LocalCacheConfig{Kind: KindLRU, MaxSize: -1}); err == nil {
		t.Fatal("Expected error for negative size")
	}
}
