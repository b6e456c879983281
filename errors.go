package shardcoord

import (
	"errors"

	"github.com/huykn/shard-coordinator/cache"
	"github.com/huykn/shard-coordinator/invalidation"
	"github.com/huykn/shard-coordinator/lock"
	"github.com/huykn/shard-coordinator/storage"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = errors.New("invalid coordinator configuration")

// ErrNotFound is returned when a key is not found in the store.
var ErrNotFound = storage.ErrNotFound

// ErrNotAcquired is returned by WithLock when the lock is held elsewhere.
var ErrNotAcquired = lock.ErrNotAcquired

// ErrBusClosed is returned when invalidating on a closed bus.
var ErrBusClosed = invalidation.ErrBusClosed

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = cache.ErrCacheClosed
