package shardcoord

import (
	"github.com/huykn/shard-coordinator/cache"
	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
	"github.com/huykn/shard-coordinator/types"
)

// Logger is an alias for telemetry.Logger.
type Logger = telemetry.Logger

// Client is an alias for storage.Client.
type Client = storage.Client

// Session is an alias for types.Session.
type Session = types.Session

// Invalidation is an alias for types.Invalidation.
type Invalidation = types.Invalidation

// LockRecord is an alias for types.LockRecord.
type LockRecord = types.LockRecord

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// DefaultLocalCacheConfig returns default local cache configuration for Ristretto.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}

// NewMemoryStore returns an in-process store for tests and single-node use.
func NewMemoryStore() *storage.MemoryClient {
	return storage.NewMemoryClient()
}
