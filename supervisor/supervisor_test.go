package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/huykn/shard-coordinator/ipc"
)

const envTestWorker = "SUPERVISOR_TEST_WORKER"

// TestMain doubles as the worker binary for TestExecSpawner.
func TestMain(m *testing.M) {
	if os.Getenv(envTestWorker) == "1" {
		runTestWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runTestWorker() {
	spec, err := SpecFromEnv()
	if err != nil {
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	w := NewWorker(spec, ipc.NewStream(os.Stdin, os.Stdout), nil)
	w.Serve(ctx)
}

type fakeProcess struct {
	pid    int
	gen    int
	conn   net.Conn
	worker *Worker
	exited chan struct{}
	once   sync.Once
}

func (p *fakeProcess) Pid() int                 { return p.pid }
func (p *fakeProcess) Conn() io.ReadWriteCloser { return p.conn }
func (p *fakeProcess) Terminate() error         { p.exit(); return nil }
func (p *fakeProcess) Kill() error              { p.exit(); return nil }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return errors.New("signal: killed")
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		close(p.exited)
		p.worker.Close()
	})
}

type fakeSpawner struct {
	// setup registers extra worker handlers. gen counts spawns per shard from 1.
	setup func(w *Worker, gen int)

	mu    sync.Mutex
	procs map[int][]*fakeProcess
	pid   int
}

func newFakeSpawner(setup func(w *Worker, gen int)) *fakeSpawner {
	return &fakeSpawner{setup: setup, procs: make(map[int][]*fakeProcess), pid: 1000}
}

func (f *fakeSpawner) Spawn(_ context.Context, spec ShardSpec) (Process, error) {
	parent, child := net.Pipe()
	w := NewWorker(spec, child, nil)

	f.mu.Lock()
	f.pid++
	p := &fakeProcess{
		pid:    f.pid,
		gen:    len(f.procs[spec.ID]) + 1,
		conn:   parent,
		worker: w,
		exited: make(chan struct{}),
	}
	f.procs[spec.ID] = append(f.procs[spec.ID], p)
	f.mu.Unlock()

	if f.setup != nil {
		f.setup(w, p.gen)
	}
	go w.Serve(context.Background())
	return p, nil
}

func (f *fakeSpawner) spawned(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs[id])
}

func (f *fakeSpawner) latest(id int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	procs := f.procs[id]
	return procs[len(procs)-1]
}

// flakySpawner fails the first failures spawns of shard id.
type flakySpawner struct {
	*fakeSpawner
	id       int
	failures int
}

func (f *flakySpawner) Spawn(ctx context.Context, spec ShardSpec) (Process, error) {
	f.mu.Lock()
	fail := spec.ID == f.id && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("exec: no such file")
	}
	return f.fakeSpawner.Spawn(ctx, spec)
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args) }

// find returns the entries logged with msg.
func (l *captureLogger) find(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	sup, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return sup
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("Timed out waiting for %d timers: %v", n, err)
	}
}

func TestRestartDelay(t *testing.T) {
	inc, max := 5*time.Second, 30*time.Second
	expected := []time.Duration{5, 10, 15, 20, 25, 30, 30, 30}
	for i, want := range expected {
		if got := restartDelay(i+1, inc, max); got != want*time.Second {
			t.Errorf("failures=%d: expected %s, got %s", i+1, want*time.Second, got)
		}
	}
}

func TestNextFailureCount(t *testing.T) {
	window := 5 * time.Minute
	now := time.Now()

	if got := nextFailureCount(0, time.Time{}, now, window); got != 1 {
		t.Errorf("First failure: expected 1, got %d", got)
	}
	if got := nextFailureCount(3, now.Add(-time.Minute), now, window); got != 4 {
		t.Errorf("Failure inside window: expected 4, got %d", got)
	}
	if got := nextFailureCount(3, now.Add(-6*time.Minute), now, window); got != 1 {
		t.Errorf("Failure after stable window: expected 1, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	if err := (Options{}).Validate(); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Expected ErrInvalidOptions without command, got %v", err)
	}

	opts := Options{Command: "worker", RestartIncrement: time.Minute, MaxRestartDelay: time.Second}
	if err := opts.Validate(); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Expected ErrInvalidOptions for inverted delays, got %v", err)
	}

	if err := (Options{Command: "worker"}).Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestSpawnPassesShardSpec(t *testing.T) {
	sp := newFakeSpawner(nil)
	sup := newTestSupervisor(t, Options{Spawner: sp})

	if err := sup.Spawn(context.Background(), 4); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	shards := sup.Shards()
	if len(shards) != 4 {
		t.Fatalf("Expected 4 shards, got %d", len(shards))
	}
	for i, st := range shards {
		if st.ID != i || !st.Running || st.Failures != 0 {
			t.Errorf("Unexpected status for shard %d: %+v", i, st)
		}
		spec := sp.latest(i).worker.Spec()
		if spec.ID != i || spec.Count != 4 {
			t.Errorf("Shard %d got spec %+v", i, spec)
		}
	}

	waitFor(t, "shards ready", func() bool {
		for _, st := range sup.Shards() {
			if !st.Ready {
				return false
			}
		}
		return true
	})
}

// A killed shard is respawned after the first backoff step and keeps its
// failure count.
func TestRespawnAfterCrash(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sp := newFakeSpawner(nil)
	sup := newTestSupervisor(t, Options{Spawner: sp, Clock: clock})

	if err := sup.Spawn(context.Background(), 4); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	firstPid := sp.latest(2).pid

	sp.latest(2).Kill()

	waitFor(t, "shard 2 exit", func() bool {
		st, _ := sup.Shard(2)
		return !st.Running && st.Failures == 1
	})
	blockUntil(t, clock, 1)

	clock.Advance(4999 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if n := sp.spawned(2); n != 1 {
		t.Fatalf("Shard 2 respawned before 5s, spawned %d times", n)
	}

	clock.Advance(time.Millisecond)
	waitFor(t, "shard 2 respawn", func() bool { return sp.spawned(2) == 2 })

	st, _ := sup.Shard(2)
	if !st.Running || st.Failures != 1 {
		t.Fatalf("Expected running shard with 1 inherited failure, got %+v", st)
	}
	if st.Pid == firstPid {
		t.Fatal("Expected a new process")
	}

	for _, id := range []int{0, 1, 3} {
		if n := sp.spawned(id); n != 1 {
			t.Errorf("Shard %d should not restart, spawned %d times", id, n)
		}
	}
}

func TestBackoffGrowsAndResets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sp := newFakeSpawner(nil)
	sup := newTestSupervisor(t, Options{Spawner: sp, Clock: clock})

	if err := sup.Spawn(context.Background(), 1); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	crash := func(wantFailures int, wantDelay time.Duration) {
		t.Helper()
		spawned := sp.spawned(0)
		sp.latest(0).Kill()
		waitFor(t, "shard exit", func() bool {
			st, _ := sup.Shard(0)
			return !st.Running && st.Failures == wantFailures
		})
		blockUntil(t, clock, 1)

		clock.Advance(wantDelay - time.Second)
		time.Sleep(50 * time.Millisecond)
		if sp.spawned(0) != spawned {
			t.Fatalf("Respawned before %s", wantDelay)
		}
		clock.Advance(time.Second)
		waitFor(t, "respawn", func() bool { return sp.spawned(0) == spawned+1 })
	}

	crash(1, 5*time.Second)
	crash(2, 10*time.Second)
	crash(3, 15*time.Second)

	clock.Advance(6 * time.Minute)
	crash(1, 5*time.Second)
}

func TestHeartbeatKillsFrozenShard(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	sp := newFakeSpawner(func(w *Worker, gen int) {
		if gen == 1 {
			w.Handle(EventPing, func(context.Context, json.RawMessage) (any, error) {
				<-release
				return nil, nil
			})
		}
	})
	sup := newTestSupervisor(t, Options{
		Spawner:           sp,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		RestartIncrement:  10 * time.Millisecond,
		MaxRestartDelay:   50 * time.Millisecond,
	})

	if err := sup.Spawn(context.Background(), 1); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	sup.StartHeartbeat()

	waitFor(t, "frozen shard replaced", func() bool { return sp.spawned(0) == 2 })
	waitFor(t, "heartbeat on new shard", func() bool {
		st, _ := sup.Shard(0)
		return st.Running && !st.LastHeartbeat.IsZero() && st.LastLatency > 0
	})

	st, _ := sup.Shard(0)
	if st.Failures != 1 {
		t.Errorf("Expected 1 failure after kill, got %d", st.Failures)
	}
}

func TestSlowHeartbeatIsLogged(t *testing.T) {
	sp := newFakeSpawner(func(w *Worker, _ int) {
		if w.Spec().ID == 0 {
			w.Handle(EventPing, func(context.Context, json.RawMessage) (any, error) {
				time.Sleep(60 * time.Millisecond)
				return nil, nil
			})
		}
	})
	logger := &captureLogger{}
	sup := newTestSupervisor(t, Options{
		Spawner:           sp,
		Logger:            logger,
		HeartbeatInterval: 200 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
		SlowHeartbeat:     40 * time.Millisecond,
	})

	if err := sup.Spawn(context.Background(), 2); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	sup.StartHeartbeat()

	waitFor(t, "slow heartbeat warning", func() bool {
		return len(logger.find("Slow shard heartbeat")) > 0
	})
	waitFor(t, "heartbeat on fast shard", func() bool {
		st, _ := sup.Shard(1)
		return st.LastLatency > 0
	})

	for _, e := range logger.find("Slow shard heartbeat") {
		if e.level != "WARN" || len(e.args) < 2 || e.args[1] != 0 {
			t.Fatalf("Expected a warning for shard 0 only, got %+v", e)
		}
	}
	if st, _ := sup.Shard(0); st.Failures != 0 || !st.Running {
		t.Fatalf("A slow heartbeat must not count as a failure, got %+v", st)
	}
}

// A shard whose first spawn fails is listed and reported as not running
// until its respawn succeeds.
func TestFailedSpawnIsTracked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sp := &flakySpawner{fakeSpawner: newFakeSpawner(nil), id: 1, failures: 1}
	sup := newTestSupervisor(t, Options{Spawner: sp, Clock: clock})

	if err := sup.Spawn(context.Background(), 2); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	shards := sup.Shards()
	if len(shards) != 2 {
		t.Fatalf("Expected both shards listed, got %+v", shards)
	}
	if st := shards[1]; st.Running || st.Failures != 1 || st.Pid != 0 {
		t.Fatalf("Expected shard 1 waiting for respawn, got %+v", st)
	}
	if _, err := sup.Send(context.Background(), 1, EventPing, nil, time.Second); !errors.Is(err, ErrShardNotRunning) {
		t.Fatalf("Expected ErrShardNotRunning, got %v", err)
	}

	blockUntil(t, clock, 1)
	clock.Advance(5 * time.Second)
	waitFor(t, "shard 1 respawn", func() bool {
		st, _ := sup.Shard(1)
		return st.Running
	})
	if st, _ := sup.Shard(1); st.Failures != 1 {
		t.Fatalf("Expected the failed spawn to count, got %+v", st)
	}
}

func TestSend(t *testing.T) {
	sp := newFakeSpawner(func(w *Worker, _ int) {
		w.Handle("whoami", func(context.Context, json.RawMessage) (any, error) {
			return w.Spec().ID, nil
		})
	})
	sup := newTestSupervisor(t, Options{Spawner: sp})
	if err := sup.Spawn(context.Background(), 2); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	raw, err := sup.Send(context.Background(), 1, "whoami", nil, time.Second)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(raw) != "1" {
		t.Fatalf("Expected shard 1, got %s", raw)
	}

	if _, err := sup.Send(context.Background(), 9, "whoami", nil, time.Second); !errors.Is(err, ErrUnknownShard) {
		t.Fatalf("Expected ErrUnknownShard, got %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	sp := newFakeSpawner(func(w *Worker, _ int) {
		w.Handle("slow", func(context.Context, json.RawMessage) (any, error) {
			<-release
			return nil, nil
		})
	})
	sup := newTestSupervisor(t, Options{Spawner: sp})
	if err := sup.Spawn(context.Background(), 1); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	_, err := sup.Send(context.Background(), 0, "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ipc.ErrTimeout) {
		t.Fatalf("Expected ipc.ErrTimeout, got %v", err)
	}

	st, _ := sup.Shard(0)
	if !st.Running {
		t.Fatal("A timed out request must not affect the shard")
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	sp := newFakeSpawner(func(w *Worker, _ int) {
		w.Handle("flush", func(context.Context, json.RawMessage) (any, error) {
			if w.Spec().ID == 1 {
				return nil, errors.New("flush failed")
			}
			return "ok", nil
		})
	})
	sup := newTestSupervisor(t, Options{Spawner: sp})
	if err := sup.Spawn(context.Background(), 3); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	results, err := sup.Broadcast(context.Background(), "flush", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("Expected aggregated error for 1 of 3 shards, got %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	for _, r := range results {
		if r.ShardID == 1 {
			var remote *ipc.RemoteError
			if !errors.As(r.Err, &remote) {
				t.Errorf("Expected RemoteError for shard 1, got %v", r.Err)
			}
			continue
		}
		if r.Err != nil || string(r.Payload) != `"ok"` {
			t.Errorf("Shard %d: unexpected result %s %v", r.ShardID, r.Payload, r.Err)
		}
	}
}

func TestShutdownStopsRespawns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sp := newFakeSpawner(nil)
	sup := newTestSupervisor(t, Options{Spawner: sp, Clock: clock})
	if err := sup.Spawn(context.Background(), 2); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	sp.latest(0).Kill()
	blockUntil(t, clock, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)

	if n := sp.spawned(0); n != 1 {
		t.Errorf("Shard 0 respawned after shutdown, spawned %d times", n)
	}
	for _, st := range sup.Shards() {
		if st.Running {
			t.Errorf("Shard %d still running after shutdown", st.ID)
		}
	}
	if err := sup.Spawn(context.Background(), 1); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestExecSpawner(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("Cannot locate test binary: %v", err)
	}

	sup := newTestSupervisor(t, Options{
		Command: exe,
		Env:     []string{envTestWorker + "=1"},
	})
	if err := sup.Spawn(context.Background(), 2); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	raw, err := sup.Send(context.Background(), 1, EventPing, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Ping over exec failed: %v", err)
	}

	var pong struct {
		Shard int `json:"shard"`
		Pid   int `json:"pid"`
	}
	if err := json.Unmarshal(raw, &pong); err != nil {
		t.Fatalf("Bad ping payload %s: %v", raw, err)
	}
	st, _ := sup.Shard(1)
	if pong.Shard != 1 || pong.Pid != st.Pid {
		t.Fatalf("Expected shard 1 pid %d, got %+v", st.Pid, pong)
	}
}
