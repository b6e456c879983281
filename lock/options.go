package lock

import (
	"time"

	"github.com/huykn/shard-coordinator/telemetry"
)

// Defaults for AcquireOptions.
const (
	DefaultTTL        = 10 * time.Second
	DefaultRetry      = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// AcquireOptions tunes a single Acquire call. Zero fields take the defaults.
type AcquireOptions struct {
	// TTL is how long the lock lives without extension.
	TTL time.Duration

	// Retry is the number of attempts before giving up.
	Retry int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

func (o AcquireOptions) withDefaults() AcquireOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Retry <= 0 {
		o.Retry = DefaultRetry
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Options configures a Mutex.
type Options struct {
	// KeyPrefix is prepended to resource names to form store keys.
	KeyPrefix string

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger telemetry.Logger

	// Metrics records lock operation outcomes. Optional.
	Metrics *telemetry.Metrics

	// DebugMode enables debug logging.
	DebugMode bool
}

// DefaultOptions returns default mutex options.
func DefaultOptions() Options {
	return Options{
		KeyPrefix: "lock:",
	}
}
