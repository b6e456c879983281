package invalidation

import (
	"time"

	"github.com/huykn/shard-coordinator/telemetry"
)

// Options configures a Bus.
type Options struct {
	// InstanceID uniquely identifies this process on the bus.
	// Used to drop self-originated messages. Generated when empty.
	InstanceID string

	// KeyChannel carries single-key invalidations.
	KeyChannel string

	// PatternChannel carries pattern invalidations.
	PatternChannel string

	// BroadcastChannel carries generic fleet-wide events.
	BroadcastChannel string

	// PublishTimeout bounds each asynchronous publish.
	PublishTimeout time.Duration

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger telemetry.Logger

	// Metrics counts bus traffic. Optional.
	Metrics *telemetry.Metrics

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default bus options.
func DefaultOptions() Options {
	return Options{
		KeyChannel:       "cache:invalidate",
		PatternChannel:   "cache:invalidate:pattern",
		BroadcastChannel: "broadcast:event",
		PublishTimeout:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.KeyChannel == "" {
		o.KeyChannel = d.KeyChannel
	}
	if o.PatternChannel == "" {
		o.PatternChannel = d.PatternChannel
	}
	if o.BroadcastChannel == "" {
		o.BroadcastChannel = d.BroadcastChannel
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = d.PublishTimeout
	}
	return o
}
