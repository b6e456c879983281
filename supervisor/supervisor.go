// Package supervisor keeps a fixed number of worker processes alive.
//
// Each worker ("shard") is spawned with its shard id and the total shard
// count. Crashed shards are respawned after a delay that grows with recent
// failures, and shards that stop answering heartbeats are killed so they go
// through the same respawn path.
package supervisor

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/huykn/shard-coordinator/ipc"
	"github.com/huykn/shard-coordinator/telemetry"
	"github.com/huykn/shard-coordinator/types"
)

// IPC events understood by both sides.
const (
	EventPing  = "ping"
	EventReady = "ready"
)

var (
	// ErrUnknownShard is returned for a shard id the supervisor never spawned.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrShardNotRunning is returned when a shard is waiting to be respawned.
	ErrShardNotRunning = errors.New("shard not running")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

type shard struct {
	id          int
	proc        Process
	conn        *ipc.Conn
	failures    int
	lastFailure time.Time

	lastHeartbeat time.Time
	lastLatency   time.Duration
	missed        int
	ready         bool
	running       bool

	stopHeartbeat chan struct{}
}

// Result is one shard's answer to a Broadcast.
type Result struct {
	ShardID int
	Payload json.RawMessage
	Err     error
}

// Supervisor owns the worker processes.
type Supervisor struct {
	spawner Spawner
	clock   clockwork.Clock
	logger  telemetry.Logger
	metrics *telemetry.Metrics
	options Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	count        int
	shards       map[int]*shard
	respawns     map[int]clockwork.Timer
	heartbeating bool
	shuttingDown bool
}

// New creates a Supervisor. No process is started until Spawn.
func New(opts Options) (*Supervisor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		spawner:  opts.Spawner,
		clock:    opts.Clock,
		logger:   telemetry.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
		options:  opts,
		ctx:      ctx,
		cancel:   cancel,
		shards:   make(map[int]*shard),
		respawns: make(map[int]clockwork.Timer),
	}, nil
}

// Spawn starts count shards with ids 0 to count-1.
// A shard that fails to start is scheduled for respawn like a crashed one.
func (s *Supervisor) Spawn(ctx context.Context, count int) error {
	if count <= 0 {
		return errors.Errorf("shard count must be positive, got %d", count)
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.count = count
	s.mu.Unlock()

	s.logger.Info("Spawning shards", "count", count)
	for id := 0; id < count; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.create(id, 0, time.Time{}); errors.Is(err, ErrShuttingDown) {
			return err
		}
	}
	return nil
}

// create starts the process for shard id. failures and lastFailure carry the
// failure history of the shard's previous process.
func (s *Supervisor) create(id, failures int, lastFailure time.Time) error {
	s.mu.Lock()
	count := s.count
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(s.ctx, ShardSpec{ID: id, Count: count})
	if err != nil {
		s.logger.Error("Failed to spawn shard", "shard", id, "error", err)
		s.report(err)

		// Keep the id visible while it waits for its respawn.
		s.mu.Lock()
		if _, ok := s.shards[id]; !ok && !s.shuttingDown {
			s.shards[id] = &shard{id: id, failures: failures, lastFailure: lastFailure}
		}
		s.mu.Unlock()

		s.failed(id, failures, lastFailure, err)
		return err
	}

	sh := &shard{
		id:            id,
		proc:          proc,
		failures:      failures,
		lastFailure:   lastFailure,
		lastHeartbeat: s.clock.Now(),
		running:       true,
	}
	sh.conn = ipc.NewConn(proc.Conn(), ipc.Options{Clock: s.clock, Logger: s.logger})
	sh.conn.Handle(EventReady, func(context.Context, json.RawMessage) (any, error) {
		s.mu.Lock()
		sh.ready = true
		s.mu.Unlock()
		s.logger.Info("Shard ready", "shard", id, "pid", proc.Pid())
		return nil, nil
	})

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		proc.Kill()
		go proc.Wait()
		return ErrShuttingDown
	}
	s.shards[id] = sh
	if s.heartbeating {
		s.startHeartbeatLocked(sh)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ShardUp(1)
	s.logger.Info("Shard started", "shard", id, "pid", proc.Pid(), "failures", failures)

	go sh.conn.Serve(s.ctx)
	go s.wait(sh)
	return nil
}

func (s *Supervisor) wait(sh *shard) {
	defer s.wg.Done()

	err := sh.proc.Wait()
	sh.conn.Close()
	s.metrics.ShardUp(-1)

	s.mu.Lock()
	sh.running = false
	sh.ready = false
	s.stopHeartbeatLocked(sh)
	shuttingDown := s.shuttingDown
	failures, lastFailure := sh.failures, sh.lastFailure
	s.mu.Unlock()

	if shuttingDown {
		s.logger.Info("Shard stopped", "shard", sh.id, "error", err)
		return
	}

	s.logger.Warn("Shard exited", "shard", sh.id, "pid", sh.proc.Pid(), "error", err)
	s.failed(sh.id, failures, lastFailure, err)
}

// failed records a failure of shard id and schedules its respawn.
func (s *Supervisor) failed(id, failures int, lastFailure time.Time, cause error) {
	now := s.clock.Now()
	failures = nextFailureCount(failures, lastFailure, now, s.options.StabilityWindow)
	delay := restartDelay(failures, s.options.RestartIncrement, s.options.MaxRestartDelay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}
	if sh, ok := s.shards[id]; ok {
		sh.failures = failures
		sh.lastFailure = now
	}
	s.respawns[id] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.respawns, id)
		stop := s.shuttingDown
		s.mu.Unlock()
		if !stop {
			s.create(id, failures, now)
		}
	})

	s.metrics.ShardRestart(strconv.Itoa(id))
	s.logger.Warn("Scheduled shard respawn", "shard", id, "failures", failures, "delay", delay, "cause", cause)
}

// nextFailureCount returns the failure count after one more failure at now.
// The count starts over when the previous failure is older than window.
func nextFailureCount(failures int, lastFailure, now time.Time, window time.Duration) int {
	if !lastFailure.IsZero() && now.Sub(lastFailure) > window {
		failures = 0
	}
	return failures + 1
}

// restartDelay is failures*increment, capped at max.
func restartDelay(failures int, increment, max time.Duration) time.Duration {
	delay := time.Duration(failures) * increment
	if delay > max {
		return max
	}
	return delay
}

// StartHeartbeat pings every running shard each HeartbeatInterval.
// Shards spawned later are pinged too.
func (s *Supervisor) StartHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeating || s.shuttingDown {
		return
	}
	s.heartbeating = true
	for _, sh := range s.shards {
		if sh.running {
			s.startHeartbeatLocked(sh)
		}
	}
}

func (s *Supervisor) startHeartbeatLocked(sh *shard) {
	if sh.stopHeartbeat != nil {
		return
	}
	stop := make(chan struct{})
	sh.stopHeartbeat = stop
	ticker := s.clock.NewTicker(s.options.HeartbeatInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				s.beat(sh)
			}
		}
	}()
}

func (s *Supervisor) stopHeartbeatLocked(sh *shard) {
	if sh.stopHeartbeat != nil {
		close(sh.stopHeartbeat)
		sh.stopHeartbeat = nil
	}
}

func (s *Supervisor) beat(sh *shard) {
	started := s.clock.Now()
	_, err := sh.conn.Request(s.ctx, EventPing, nil, s.options.HeartbeatTimeout)
	latency := s.clock.Since(started)
	s.metrics.Heartbeat(strconv.Itoa(sh.id), latency, err)

	s.mu.Lock()
	if err == nil {
		sh.lastHeartbeat = s.clock.Now()
		sh.lastLatency = latency
		sh.missed = 0
		sh.ready = true
		s.mu.Unlock()

		if latency > s.options.SlowHeartbeat {
			s.logger.Warn("Slow shard heartbeat", "shard", sh.id, "latency", latency)
		} else if s.options.DebugMode {
			s.logger.Debug("Shard heartbeat", "shard", sh.id, "latency", latency)
		}
		return
	}
	sh.missed++
	missed := sh.missed
	running := sh.running
	s.mu.Unlock()

	if !running {
		return
	}

	s.logger.Warn("Shard heartbeat failed", "shard", sh.id, "missed", missed, "error", err)
	if missed < s.options.MaxMissedHeartbeats {
		return
	}

	s.logger.Error("Shard unresponsive, killing", "shard", sh.id, "pid", sh.proc.Pid(), "missed", missed)
	if err := sh.proc.Kill(); err != nil {
		s.report(errors.Wrapf(err, "kill shard %d", sh.id))
	}
}

// Send makes a request to one shard. A zero timeout uses RequestTimeout.
func (s *Supervisor) Send(ctx context.Context, id int, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	sh, ok := s.shards[id]
	running := ok && sh.running
	shuttingDown := s.shuttingDown
	s.mu.Unlock()

	switch {
	case shuttingDown:
		return nil, ErrShuttingDown
	case !ok:
		return nil, errors.Wrapf(ErrUnknownShard, "shard %d", id)
	case !running:
		return nil, errors.Wrapf(ErrShardNotRunning, "shard %d", id)
	}

	if timeout <= 0 {
		timeout = s.options.RequestTimeout
	}
	out, err := sh.conn.Request(ctx, event, payload, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "shard %d", id)
	}
	return out, nil
}

// Broadcast sends the request to every shard concurrently.
// One shard failing does not stop delivery to the others. The error reports
// how many shards failed; per-shard outcomes are in the results.
func (s *Supervisor) Broadcast(ctx context.Context, event string, payload any, timeout time.Duration) ([]Result, error) {
	ids := s.ids()
	results := make([]Result, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out, err := s.Send(ctx, id, event, payload, timeout)
			results[i] = Result{ShardID: id, Payload: out, Err: err}
			return nil
		})
	}
	g.Wait()

	var failed []error
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Err)
		}
	}
	if len(failed) > 0 {
		return results, errors.Wrapf(failed[0], "%d of %d shards failed %s", len(failed), len(ids), event)
	}
	return results, nil
}

func (s *Supervisor) ids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Shards returns the status of every known shard ordered by id.
func (s *Supervisor) Shards() []types.ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ShardStatus, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shard returns the status of shard id.
func (s *Supervisor) Shard(id int) (types.ShardStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shards[id]
	if !ok {
		return types.ShardStatus{}, false
	}
	return sh.status(), true
}

func (sh *shard) status() types.ShardStatus {
	pid := 0
	if sh.proc != nil {
		pid = sh.proc.Pid()
	}
	return types.ShardStatus{
		ID:            sh.id,
		Pid:           pid,
		Failures:      sh.failures,
		LastFailure:   sh.lastFailure,
		LastHeartbeat: sh.lastHeartbeat,
		LastLatency:   sh.lastLatency,
		Ready:         sh.ready,
		Running:       sh.running,
	}
}

// Shutdown stops heartbeats and pending respawns, asks every shard to
// terminate and waits for them to exit. Shards still running when ctx ends
// are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	for id, t := range s.respawns {
		t.Stop()
		delete(s.respawns, id)
	}
	var running []*shard
	for _, sh := range s.shards {
		s.stopHeartbeatLocked(sh)
		if sh.running {
			running = append(running, sh)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down shards", "running", len(running))
	for _, sh := range running {
		if err := sh.proc.Terminate(); err != nil {
			s.logger.Warn("Failed to terminate shard", "shard", sh.id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		for _, sh := range running {
			sh.proc.Kill()
		}
		<-done
	}

	s.cancel()
	return err
}

func (s *Supervisor) report(err error) {
	if s.options.OnError != nil {
		s.options.OnError(err)
	}
}
