package types

import "time"

// Invalidation represents a cache invalidation message.
// Exactly one of CacheKey or Pattern is set.
type Invalidation struct {
	InstanceID string         `json:"instanceId"`
	CacheKey   string         `json:"cacheKey,omitempty"`
	Pattern    string         `json:"pattern,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  int64          `json:"timestamp"` // Unix milliseconds
}

// BroadcastEvent is a generic fleet-wide event sent over the broadcast channel.
type BroadcastEvent struct {
	InstanceID string         `json:"instanceId"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  int64          `json:"timestamp"` // Unix milliseconds
}

// LockRecord is the local bookkeeping for a lock held by this process.
// The authoritative state lives in the backing store.
type LockRecord struct {
	Resource   string
	Token      string
	Key        string
	AcquiredAt time.Time
	TTL        time.Duration
	ExpiresAt  time.Time
}

// Session is a stored session record.
type Session struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"ownerId"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	TTL            time.Duration  `json:"ttl"`
}

// ShardStatus is a point-in-time view of a supervised shard.
type ShardStatus struct {
	ID            int
	Pid           int
	Failures      int
	LastFailure   time.Time
	LastHeartbeat time.Time
	LastLatency   time.Duration
	Ready         bool
	Running       bool
}

// UnixMillis returns t as Unix milliseconds.
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
