// Package cache keeps decoded values in process memory in front of the
// backing store. Entries are dropped when any process invalidates their key
// through the invalidation bus.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/huykn/shard-coordinator/invalidation"
	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
	"github.com/huykn/shard-coordinator/types"
)

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = errors.New("cache is closed")

// Loader produces the value for a key on a full miss.
type Loader func(ctx context.Context) (any, error)

// Cache is a two-level cache: a local LFU/LRU tier and the shared store.
//
// A key is tracked, holding an invalidation handler on the bus, while it is
// cached locally or being fetched. Keys the local tier evicts are untracked.
type Cache struct {
	local      LocalCache
	client     storage.Client
	bus        *invalidation.Bus
	serializer storage.Serializer
	logger     telemetry.Logger
	options    Options
	group      singleflight.Group
	closed     atomic.Bool

	mu      sync.Mutex
	tracked map[string]*trackedKey

	// removed collects keys reported by the local tier. It has its own lock
	// because reports arrive while mu is held.
	removedMu sync.Mutex
	removed   []string

	localHits     atomic.Int64
	localMisses   atomic.Int64
	remoteHits    atomic.Int64
	remoteMisses  atomic.Int64
	loads         atomic.Int64
	loadErrors    atomic.Int64
	invalidations atomic.Int64
}

type trackedKey struct {
	unregister func()
	// gen is bumped by every invalidation; fills started before it are discarded.
	gen uint64
	// pending counts fetches in flight.
	pending int
	cached  bool
}

// New creates a Cache. bus must be started by the caller.
func New(client storage.Client, bus *invalidation.Bus, opts Options) (*Cache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultOptions().KeyPrefix
	}
	if opts.Serializer == nil {
		opts.Serializer = storage.NewJSONSerializer()
	}

	factory := opts.LocalCacheFactory
	if factory == nil {
		var err error
		if factory, err = NewLocalCacheFactory(opts.LocalCacheConfig); err != nil {
			return nil, err
		}
	}
	local, err := factory.Create()
	if err != nil {
		return nil, errors.Wrap(err, "create local cache")
	}

	c := &Cache{
		local:      local,
		client:     client,
		bus:        bus,
		serializer: opts.Serializer,
		logger:     telemetry.OrNoOp(opts.Logger),
		options:    opts,
		tracked:    make(map[string]*trackedKey),
	}
	if n, ok := local.(RemovalNotifier); ok {
		n.OnRemove(c.localRemoved)
	}
	return c, nil
}

// Get returns the value for key from the local tier, falling back to the
// store. Store failures count as misses and are reported to OnError.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	if c.closed.Load() {
		return nil, false
	}

	if v, ok := c.local.Get(key); ok {
		c.localHits.Add(1)
		return v, true
	}
	c.localMisses.Add(1)

	rec, gen := c.begin(key)
	v, ok, err := c.remote(ctx, key)
	c.finish(key, rec, gen, v, ok && err == nil)
	if err != nil {
		c.report("Get: remote lookup failed", key, err)
		return nil, false
	}
	return v, ok
}

// GetOrLoad returns the cached value for key or calls load on a full miss
// and stores its result in both tiers. Concurrent misses for the same key
// share a single load.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load Loader) (any, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	if v, ok := c.local.Get(key); ok {
		c.localHits.Add(1)
		return v, nil
	}
	c.localMisses.Add(1)

	v, err, shared := c.group.Do(key, func() (v any, err error) {
		rec, gen := c.begin(key)
		defer func() { c.finish(key, rec, gen, v, err == nil) }()

		v, ok, err := c.remote(ctx, key)
		if err != nil || ok {
			return v, err
		}

		c.loads.Add(1)
		v, err = load(ctx)
		if err != nil {
			c.loadErrors.Add(1)
			return nil, errors.Wrapf(err, "load %q", key)
		}
		if err := c.write(ctx, key, v); err != nil {
			return nil, err
		}
		return v, nil
	})
	if c.options.DebugMode && shared {
		c.logger.Debug("GetOrLoad: shared in-flight load", "key", key)
	}
	return v, err
}

// Set writes value to the store, invalidates the key everywhere and then
// caches value locally.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	rec, gen := c.begin(key)
	if err := c.write(ctx, key, value); err != nil {
		c.finish(key, rec, gen, nil, false)
		return err
	}
	if err := c.bus.Invalidate(ctx, key, map[string]any{"reason": "set"}); err != nil {
		c.finish(key, rec, gen, nil, false)
		return errors.Wrapf(err, "invalidate %q", key)
	}
	// Our own invalidation bumped the generation once.
	c.finish(key, rec, gen+1, value, true)

	if c.options.DebugMode {
		c.logger.Debug("Set: stored value", "key", key)
	}
	return nil
}

// Invalidate removes key from the store and from every process's local tier.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	if _, err := c.client.Delete(ctx, c.options.KeyPrefix+key); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	// Keys cached here are tracked, so the local handler drops them.
	return c.bus.Invalidate(ctx, key, map[string]any{"reason": "invalidate"})
}

// InvalidatePattern drops every locally known key matching the regular
// expression pattern here and on other processes. Store entries are left to
// expire. It returns the number of local keys that matched.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}
	return c.bus.InvalidatePattern(ctx, pattern, map[string]any{"reason": "pattern"})
}

// Clear empties the local tier. The store and other processes are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.local.Clear()
	c.reapLocked()
	for key, rec := range c.tracked {
		rec.gen++
		rec.cached = false
		c.untrackLocked(key, rec)
	}
}

// Close unregisters the bus handlers and releases the local tier.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	for key, rec := range c.tracked {
		rec.unregister()
		delete(c.tracked, key)
	}
	c.mu.Unlock()

	c.local.Close()
	return nil
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	c.reapLocked()
	tracked := int64(len(c.tracked))
	c.mu.Unlock()

	return Stats{
		LocalHits:     c.localHits.Load(),
		LocalMisses:   c.localMisses.Load(),
		RemoteHits:    c.remoteHits.Load(),
		RemoteMisses:  c.remoteMisses.Load(),
		Loads:         c.loads.Load(),
		LoadErrors:    c.loadErrors.Load(),
		Invalidations: c.invalidations.Load(),
		TrackedKeys:   tracked,
	}
}

func (c *Cache) remote(ctx context.Context, key string) (any, bool, error) {
	data, err := c.client.Get(ctx, c.options.KeyPrefix+key)
	if errors.Is(err, storage.ErrNotFound) {
		c.remoteMisses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %q", key)
	}

	var v any
	if err := c.serializer.Unmarshal(data, &v); err != nil {
		c.remoteMisses.Add(1)
		c.report("remote value undecodable", key, err)
		return nil, false, nil
	}
	c.remoteHits.Add(1)
	return v, true, nil
}

func (c *Cache) write(ctx context.Context, key string, value any) error {
	data, err := c.serializer.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %q", key)
	}
	if err := c.client.Set(ctx, c.options.KeyPrefix+key, data, c.options.TTL); err != nil {
		return errors.Wrapf(err, "set %q", key)
	}
	return nil
}

// begin tracks key for a fetch and returns its record and generation.
func (c *Cache) begin(key string) (*trackedKey, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.tracked[key]
	if !ok {
		rec = &trackedKey{}
		rec.unregister = c.bus.Register(key, func(msg types.Invalidation) error {
			c.drop(msg.CacheKey)
			return nil
		})
		c.tracked[key] = rec
	}
	rec.pending++
	return rec, rec.gen
}

// finish ends a fetch started by begin. With store set, v is cached unless
// key was invalidated or untracked since gen was read.
func (c *Cache) finish(key string, rec *trackedKey, gen uint64, v any, store bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.pending--
	if store && !c.closed.Load() && c.tracked[key] == rec && rec.gen == gen {
		rec.cached = c.local.Set(key, v, 1)
	}
	c.reapLocked()
	c.untrackLocked(key, rec)
}

func (c *Cache) drop(key string) {
	c.mu.Lock()
	if rec, ok := c.tracked[key]; ok {
		rec.gen++
		rec.cached = false
		c.local.Delete(key)
		c.reapLocked()
		c.untrackLocked(key, rec)
	}
	c.mu.Unlock()

	c.invalidations.Add(1)
	if c.options.DebugMode {
		c.logger.Debug("Dropped local entry", "key", key)
	}
}

// localRemoved is called by the local tier, possibly while mu is held.
func (c *Cache) localRemoved(key string) {
	c.removedMu.Lock()
	c.removed = append(c.removed, key)
	c.removedMu.Unlock()
}

// reapLocked untracks keys the local tier reported as removed.
func (c *Cache) reapLocked() {
	c.removedMu.Lock()
	keys := c.removed
	c.removed = nil
	c.removedMu.Unlock()

	for _, key := range keys {
		if rec, ok := c.tracked[key]; ok {
			rec.cached = false
			c.untrackLocked(key, rec)
		}
	}
}

// untrackLocked releases key once it is neither cached nor being fetched.
func (c *Cache) untrackLocked(key string, rec *trackedKey) {
	if rec.pending > 0 || rec.cached || c.tracked[key] != rec {
		return
	}
	rec.unregister()
	delete(c.tracked, key)
}

func (c *Cache) report(msg, key string, err error) {
	c.logger.Warn(msg, "key", key, "error", err)
	if c.options.OnError != nil {
		c.options.OnError(err)
	}
}
