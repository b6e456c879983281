package cache

import (
	"time"

	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
)

// Local cache kinds accepted by NewLocalCacheFactory.
const (
	KindLFU = "lfu"
	KindLRU = "lru"
)

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// LocalCacheConfig configures the local cache.
type LocalCacheConfig struct {
	// Kind selects the implementation, KindLFU or KindLRU.
	Kind string

	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		Kind:        KindLFU,
		NumCounters: 1e6,
		MaxCost:     1 << 16,
		BufferItems: 64,
		MaxSize:     10000,
	}
}

// Validate checks the local cache configuration.
func (c LocalCacheConfig) Validate() error {
	switch c.Kind {
	case KindLFU, "":
		if c.NumCounters <= 0 || c.MaxCost <= 0 {
			return errors.Wrap(ErrInvalidConfig, "lfu cache needs positive counters and max cost")
		}
	case KindLRU:
		if c.MaxSize <= 0 {
			return errors.Wrap(ErrInvalidConfig, "lru cache needs a positive max size")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown local cache kind %q", c.Kind)
	}
	return nil
}

// Options configures a Cache.
type Options struct {
	// KeyPrefix is prepended to keys in the backing store.
	KeyPrefix string

	// TTL bounds how long values live in the backing store. Zero keeps them.
	TTL time.Duration

	// LocalCacheConfig configures the local cache.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory overrides LocalCacheConfig.Kind when set.
	LocalCacheFactory LocalCacheFactory

	// Serializer encodes values for the backing store.
	// If nil, defaults to JSON.
	Serializer storage.Serializer

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger telemetry.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default cache options.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:        "cache:",
		TTL:              time.Hour,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// Validate validates the options.
func (o Options) Validate() error {
	if o.TTL < 0 {
		return errors.Wrap(ErrInvalidConfig, "negative ttl")
	}
	if o.LocalCacheFactory == nil {
		return o.LocalCacheConfig.Validate()
	}
	return nil
}
