package cache

// LocalCache is an in-process cache of decoded values.
type LocalCache interface {
	// Get retrieves a value from the local cache.
	Get(key string) (any, bool)

	// Set stores a value with the given cost. It may be dropped by admission.
	Set(key string, value any, cost int64) bool

	// Delete removes a value from the local cache.
	Delete(key string)

	// Clear removes all values from the local cache.
	Clear()

	// Close releases the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// RemovalNotifier is implemented by local caches that report keys they
// dropped on their own, through capacity eviction or admission rejection.
// Reports for explicit deletes are allowed. The callback must not call back
// into the local cache.
//
// Without it, a Cache keeps invalidation handlers for evicted keys until
// they are invalidated.
type RemovalNotifier interface {
	OnRemove(fn func(key string))
}

// LocalCacheMetrics represents local cache metrics.
// Size is the configured capacity.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory creates local caches.
type LocalCacheFactory interface {
	Create() (LocalCache, error)
}

// Stats represents cache statistics.
type Stats struct {
	LocalHits     int64
	LocalMisses   int64
	RemoteHits    int64
	RemoteMisses  int64
	Loads         int64
	LoadErrors    int64
	Invalidations int64
	TrackedKeys   int64
}
