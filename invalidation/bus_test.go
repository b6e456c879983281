package invalidation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/types"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func newStartedBus(t *testing.T, client storage.Client, id string) *Bus {
	t.Helper()
	opts := DefaultOptions()
	opts.InstanceID = id
	b := New(client, opts)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newSharedStore(t *testing.T) *storage.MemoryClient {
	t.Helper()
	client := storage.NewMemoryClient()
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewGeneratesInstanceID(t *testing.T) {
	client := newSharedStore(t)
	a := New(client, Options{})
	b := New(client, Options{})
	if a.InstanceID() == "" || a.InstanceID() == b.InstanceID() {
		t.Fatalf("Expected distinct generated ids, got %q and %q", a.InstanceID(), b.InstanceID())
	}
	if a.options.KeyChannel != "cache:invalidate" {
		t.Fatalf("Expected default key channel, got %s", a.options.KeyChannel)
	}
}

func TestInvalidateRunsLocalHandlersOnce(t *testing.T) {
	client := newSharedStore(t)
	bus := newStartedBus(t, client, "pod-1")

	var calls int32
	bus.Register("user:1", func(msg types.Invalidation) error {
		atomic.AddInt32(&calls, 1)
		if msg.InstanceID != "pod-1" {
			t.Errorf("Expected origin pod-1, got %s", msg.InstanceID)
		}
		return nil
	})

	if err := bus.Invalidate(context.Background(), "user:1", map[string]any{"reason": "update"}); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("Expected handler to run synchronously once, got %d", got)
	}

	// The relay round-trip must be dropped, not dispatched again.
	waitFor(t, "self-originated message", func() bool { return bus.Stats().SelfDropped == 1 })

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("Expected handler to run exactly once, got %d", got)
	}
}

func TestInvalidateReachesOtherProcesses(t *testing.T) {
	client := newSharedStore(t)
	a := newStartedBus(t, client, "pod-a")
	b := newStartedBus(t, client, "pod-b")

	received := make(chan types.Invalidation, 1)
	b.Register("user:1", func(msg types.Invalidation) error {
		received <- msg
		return nil
	})

	var wildcard int32
	b.OnAny(func(msg types.Invalidation) error {
		atomic.AddInt32(&wildcard, 1)
		return nil
	})

	a.Invalidate(context.Background(), "user:1", map[string]any{"v": "2"})

	select {
	case msg := <-received:
		if msg.InstanceID != "pod-a" {
			t.Fatalf("Expected origin pod-a, got %s", msg.InstanceID)
		}
		if msg.Metadata["v"] != "2" {
			t.Fatalf("Expected metadata to survive, got %v", msg.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for remote invalidation")
	}

	waitFor(t, "wildcard listener", func() bool { return atomic.LoadInt32(&wildcard) == 1 })
}

func TestPatternMatching(t *testing.T) {
	client := newSharedStore(t)
	bus := newStartedBus(t, client, "pod-1")

	var mu sync.Mutex
	var hit []string
	record := func(msg types.Invalidation) error {
		mu.Lock()
		hit = append(hit, msg.CacheKey)
		mu.Unlock()
		return nil
	}
	bus.Register("server:123:config", record)
	bus.Register("user:123:config", record)

	n, err := bus.InvalidatePattern(context.Background(), "^server:.*:config$", nil)
	if err != nil {
		t.Fatalf("InvalidatePattern failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 match, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hit) != 1 || hit[0] != "server:123:config" {
		t.Fatalf("Expected only server:123:config, got %v", hit)
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	bus := New(newSharedStore(t), DefaultOptions())
	if _, err := bus.InvalidatePattern(context.Background(), "([", nil); err == nil {
		t.Fatal("Expected an error for an invalid pattern")
	}
}

// Scenario C: one remote message, every matching key handled locally.
func TestInvalidatePatternPublishesOnce(t *testing.T) {
	client := newSharedStore(t)
	bus := newStartedBus(t, client, "pod-1")

	sub, err := client.Subscribe(context.Background(), bus.options.PatternChannel)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	var calls int32
	for _, k := range []string{"server:1:config", "server:2:config", "server:3:config", "other"} {
		bus.Register(k, func(types.Invalidation) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	}

	n, _ := bus.InvalidatePattern(context.Background(), "^server:", nil)
	if n != 3 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("Expected 3 local invalidations, got matched=%d calls=%d", n, calls)
	}

	select {
	case <-sub.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for pattern message")
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("Expected a single pattern message, got another: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemotePatternOnlyTouchesRegisteredKeys(t *testing.T) {
	client := newSharedStore(t)
	a := newStartedBus(t, client, "pod-a")
	b := newStartedBus(t, client, "pod-b")

	received := make(chan string, 4)
	b.Register("server:9:config", func(msg types.Invalidation) error {
		received <- msg.CacheKey
		return nil
	})

	a.InvalidatePattern(context.Background(), "^server:", nil)

	select {
	case key := <-received:
		if key != "server:9:config" {
			t.Fatalf("Expected server:9:config, got %s", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for remote pattern invalidation")
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	var (
		reported int32
		mu       sync.Mutex
		errs     []string
	)
	opts := DefaultOptions()
	opts.OnError = func(err error) {
		atomic.AddInt32(&reported, 1)
		mu.Lock()
		errs = append(errs, err.Error())
		mu.Unlock()
	}
	bus := New(newSharedStore(t), opts)

	var ok int32
	bus.Register("k", func(types.Invalidation) error { return errors.New("bad handler") })
	bus.Register("k", func(types.Invalidation) error { panic("worse handler") })
	bus.Register("k", func(types.Invalidation) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})

	bus.Invalidate(context.Background(), "k", nil)

	if atomic.LoadInt32(&ok) != 1 {
		t.Fatal("Healthy handler should still run")
	}
	if got := bus.Stats().HandlerErrors; got != 2 {
		t.Fatalf("Expected 2 handler errors, got %d", got)
	}
	if atomic.LoadInt32(&reported) != 2 {
		t.Fatalf("Expected OnError twice, got %d", reported)
	}
	mu.Lock()
	defer mu.Unlock()
	if errs[1] != "handler panic: worse handler" {
		t.Fatalf("Expected the panic to be reported, got %v", errs)
	}
}

func TestUnregister(t *testing.T) {
	bus := New(newSharedStore(t), DefaultOptions())

	var calls int32
	off := bus.Register("k", func(types.Invalidation) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	off()

	bus.Invalidate(context.Background(), "k", nil)
	if calls != 0 {
		t.Fatal("Unregistered handler should not run")
	}
	if len(bus.Keys()) != 0 {
		t.Fatalf("Expected empty registry, got %v", bus.Keys())
	}
}

type failingPublisher struct {
	storage.Client
}

func (f failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("store unreachable")
}

func TestPublishFailureKeepsLocalEffect(t *testing.T) {
	errCh := make(chan error, 1)
	opts := DefaultOptions()
	opts.OnError = func(err error) { errCh <- err }
	bus := New(failingPublisher{newSharedStore(t)}, opts)
	defer bus.Close()

	var calls int32
	bus.Register("k", func(types.Invalidation) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err := bus.Invalidate(context.Background(), "k", nil); err != nil {
		t.Fatalf("Invalidate should not fail on publish errors: %v", err)
	}
	if calls != 1 {
		t.Fatal("Local handler should run even if publishing fails")
	}

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected publish failure to be reported")
	}
	waitFor(t, "publish failure counter", func() bool { return bus.Stats().PublishFailures == 1 })
}

func TestBroadcast(t *testing.T) {
	client := newSharedStore(t)
	a := newStartedBus(t, client, "pod-a")
	b := newStartedBus(t, client, "pod-b")

	var local, remote int32
	a.OnBroadcast("reload", func(types.BroadcastEvent) error {
		atomic.AddInt32(&local, 1)
		return nil
	})
	b.OnBroadcast("reload", func(ev types.BroadcastEvent) error {
		if ev.Payload["scope"] != "all" {
			t.Errorf("Unexpected payload %v", ev.Payload)
		}
		atomic.AddInt32(&remote, 1)
		return nil
	})

	a.Broadcast(context.Background(), "reload", map[string]any{"scope": "all"})

	waitFor(t, "remote broadcast", func() bool { return atomic.LoadInt32(&remote) == 1 })
	waitFor(t, "self drop", func() bool { return a.Stats().SelfDropped == 1 })
	if atomic.LoadInt32(&local) != 1 {
		t.Fatalf("Expected one local delivery, got %d", local)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	client := newSharedStore(t)
	bus := newStartedBus(t, client, "pod-1")

	client.Publish(context.Background(), bus.options.KeyChannel, []byte("{oops"))

	waitFor(t, "malformed counter", func() bool { return bus.Stats().Malformed == 1 })
}

func TestClosedBus(t *testing.T) {
	bus := newStartedBus(t, newSharedStore(t), "pod-1")
	bus.Close()

	if err := bus.Invalidate(context.Background(), "k", nil); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	if err := bus.Start(context.Background()); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed on Start, got %v", err)
	}
}
