package shardcoord

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/cache"
	"github.com/huykn/shard-coordinator/invalidation"
	"github.com/huykn/shard-coordinator/lock"
	"github.com/huykn/shard-coordinator/session"
	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
)

// Config configures a Coordinator.
type Config struct {
	// InstanceID identifies this process on the invalidation bus.
	// If empty, a random id is generated.
	InstanceID string

	// Redis configures the backing store connection. Ignored when Store is set.
	Redis storage.RedisOptions

	// Store is an already connected backing store. The Coordinator does not
	// close it.
	Store storage.Client

	// LockKeyPrefix is the key prefix for locks.
	LockKeyPrefix string

	// SessionKeyPrefix is the key prefix for sessions.
	SessionKeyPrefix string

	// SessionTTL is the default session lifetime.
	SessionTTL time.Duration

	// CacheKeyPrefix is the key prefix for cached values.
	CacheKeyPrefix string

	// CacheTTL bounds how long cached values live in the store.
	CacheTTL time.Duration

	// LocalCacheConfig configures the in-process cache tier.
	LocalCacheConfig LocalCacheConfig

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// Metrics records operation outcomes. Optional.
	Metrics *telemetry.Metrics

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Redis:            storage.DefaultRedisOptions(),
		LockKeyPrefix:    lock.DefaultOptions().KeyPrefix,
		SessionKeyPrefix: session.DefaultOptions().KeyPrefix,
		SessionTTL:       session.DefaultOptions().DefaultTTL,
		CacheKeyPrefix:   cache.DefaultOptions().KeyPrefix,
		CacheTTL:         cache.DefaultOptions().TTL,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// Validate checks the configuration. A zero LocalCacheConfig is valid.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Store == nil && c.Redis.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "redis address or store is required")
	}
	if c.SessionTTL < 0 || c.CacheTTL < 0 {
		return errors.Wrap(ErrInvalidConfig, "negative ttl")
	}
	if err := c.LocalCacheConfig.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.LocalCacheConfig == (LocalCacheConfig{}) {
		c.LocalCacheConfig = DefaultLocalCacheConfig()
	}
	return c
}

// Coordinator bundles the coordination primitives of one process around a
// single backing store connection.
type Coordinator struct {
	Store    storage.Client
	Mutex    *lock.Mutex
	Bus      *invalidation.Bus
	Sessions *session.Store
	Cache    *cache.Cache

	logger    telemetry.Logger
	ownsStore bool
}

// New connects to the backing store and wires every component.
// The invalidation bus is subscribed before New returns.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		Store:  cfg.Store,
		logger: telemetry.OrNoOp(cfg.Logger),
	}
	if c.Store == nil {
		client, err := storage.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.Store = client
		c.ownsStore = true
	}

	c.Mutex = lock.New(c.Store, lock.Options{
		KeyPrefix: cfg.LockKeyPrefix,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		DebugMode: cfg.DebugMode,
	})

	busOpts := invalidation.DefaultOptions()
	busOpts.InstanceID = cfg.InstanceID
	busOpts.Logger = cfg.Logger
	busOpts.Metrics = cfg.Metrics
	busOpts.DebugMode = cfg.DebugMode
	busOpts.OnError = cfg.OnError
	c.Bus = invalidation.New(c.Store, busOpts)
	if err := c.Bus.Start(ctx); err != nil {
		c.closeStore()
		return nil, err
	}

	c.Sessions = session.New(c.Store, session.Options{
		KeyPrefix:  cfg.SessionKeyPrefix,
		DefaultTTL: cfg.SessionTTL,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		DebugMode:  cfg.DebugMode,
	})

	cacheOpts := cache.DefaultOptions()
	if cfg.CacheKeyPrefix != "" {
		cacheOpts.KeyPrefix = cfg.CacheKeyPrefix
	}
	cacheOpts.TTL = cfg.CacheTTL
	cacheOpts.LocalCacheConfig = cfg.LocalCacheConfig
	cacheOpts.Logger = cfg.Logger
	cacheOpts.DebugMode = cfg.DebugMode
	cacheOpts.OnError = cfg.OnError
	var err error
	if c.Cache, err = cache.New(c.Store, c.Bus, cacheOpts); err != nil {
		c.Bus.Close()
		c.closeStore()
		return nil, err
	}

	c.logger.Info("Coordinator ready", "instance", c.Bus.InstanceID())
	return c, nil
}

// InstanceID returns this process's id on the invalidation bus.
func (c *Coordinator) InstanceID() string {
	return c.Bus.InstanceID()
}

// Close releases every lock this process holds, stops the bus and closes
// the store connection if New opened it.
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error

	if n, err := c.Mutex.ReleaseAll(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		c.logger.Info("Released held locks", "count", n)
	}

	c.Cache.Close()
	if err := c.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeStore(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (c *Coordinator) closeStore() error {
	if !c.ownsStore {
		return nil
	}
	return c.Store.Close()
}
