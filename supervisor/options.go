package supervisor

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/telemetry"
)

// ErrInvalidOptions is returned by Validate.
var ErrInvalidOptions = errors.New("invalid supervisor options")

// Options configures a Supervisor.
type Options struct {
	// Command and Args start one worker. Used when Spawner is nil.
	Command string
	Args    []string

	// Env is appended to the parent's environment for every worker.
	Env []string

	// RestartIncrement is added to the respawn delay per recent failure.
	RestartIncrement time.Duration

	// MaxRestartDelay caps the respawn delay.
	MaxRestartDelay time.Duration

	// StabilityWindow is how long a shard must run without failing before
	// its failure count starts over.
	StabilityWindow time.Duration

	// HeartbeatInterval is the time between pings to each shard.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout bounds a single ping.
	HeartbeatTimeout time.Duration

	// SlowHeartbeat is the latency above which a successful ping is logged.
	SlowHeartbeat time.Duration

	// MaxMissedHeartbeats consecutive failed pings get the shard killed.
	MaxMissedHeartbeats int

	// RequestTimeout is the default for Send and Broadcast.
	RequestTimeout time.Duration

	// Spawner starts worker processes. Defaults to an ExecSpawner for Command.
	Spawner Spawner

	// Clock drives backoff timers and heartbeats. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger telemetry.Logger

	// Metrics records restarts and heartbeats. Optional.
	Metrics *telemetry.Metrics

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called for failures that happen in the background.
	OnError func(error)
}

// DefaultOptions returns default supervisor options.
func DefaultOptions() Options {
	return Options{
		RestartIncrement:    5 * time.Second,
		MaxRestartDelay:     30 * time.Second,
		StabilityWindow:     5 * time.Minute,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    10 * time.Second,
		SlowHeartbeat:       5 * time.Second,
		MaxMissedHeartbeats: 3,
		RequestTimeout:      30 * time.Second,
	}
}

// Validate checks the options after defaults have been applied.
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.Spawner == nil && o.Command == "" {
		return errors.Wrap(ErrInvalidOptions, "command or spawner is required")
	}
	if o.MaxRestartDelay < o.RestartIncrement {
		return errors.Wrap(ErrInvalidOptions, "max restart delay is below the restart increment")
	}
	if o.HeartbeatTimeout > o.HeartbeatInterval {
		return errors.Wrap(ErrInvalidOptions, "heartbeat timeout exceeds the heartbeat interval")
	}
	return nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RestartIncrement <= 0 {
		o.RestartIncrement = def.RestartIncrement
	}
	if o.MaxRestartDelay <= 0 {
		o.MaxRestartDelay = def.MaxRestartDelay
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = def.StabilityWindow
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if o.SlowHeartbeat <= 0 {
		o.SlowHeartbeat = def.SlowHeartbeat
	}
	if o.MaxMissedHeartbeats <= 0 {
		o.MaxMissedHeartbeats = def.MaxMissedHeartbeats
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Spawner == nil && o.Command != "" {
		o.Spawner = &ExecSpawner{Command: o.Command, Args: o.Args, Env: o.Env}
	}
	return o
}
