// Package invalidation broadcasts cache invalidations between processes.
//
// Every Invalidate call runs the local handlers synchronously and then
// publishes the message. Receivers drop messages carrying their own
// instance id, so the origin's handlers run exactly once. Delivery is
// best effort, at least once and unordered; handlers must be idempotent.
package invalidation

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
	"github.com/huykn/shard-coordinator/types"
)

// ErrBusClosed is returned when operations are performed on a closed bus.
var ErrBusClosed = errors.New("invalidation bus is closed")

// Handler reacts to an invalidation. It must be idempotent.
type Handler func(msg types.Invalidation) error

// BroadcastHandler reacts to a broadcast event.
type BroadcastHandler func(ev types.BroadcastEvent) error

// Stats represents bus statistics.
type Stats struct {
	Published       int64
	PublishFailures int64
	Received        int64
	SelfDropped     int64
	Malformed       int64
	HandlerErrors   int64
}

type handlerEntry struct {
	fn Handler
}

type broadcastEntry struct {
	fn BroadcastHandler
}

// Bus is the cache invalidation bus.
type Bus struct {
	client  storage.Client
	options Options
	logger  telemetry.Logger
	metrics *telemetry.Metrics

	mu         sync.RWMutex
	handlers   map[string][]*handlerEntry
	wildcard   []*handlerEntry
	broadcasts map[string][]*broadcastEntry

	lifecycle sync.RWMutex
	closed    bool
	sub       storage.Subscription
	wg        sync.WaitGroup

	stats Stats
}

// New creates a Bus on top of client. Call Start to receive remote messages.
func New(client storage.Client, opts Options) *Bus {
	opts = opts.withDefaults()
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Bus{
		client:     client,
		options:    opts,
		logger:     telemetry.OrNoOp(opts.Logger),
		metrics:    opts.Metrics,
		handlers:   make(map[string][]*handlerEntry),
		broadcasts: make(map[string][]*broadcastEntry),
	}
}

// InstanceID returns the id this bus stamps on outgoing messages.
func (b *Bus) InstanceID() string {
	return b.options.InstanceID
}

// Start subscribes to the bus channels and dispatches remote messages.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.sub != nil {
		return nil
	}

	sub, err := b.client.Subscribe(ctx, b.options.KeyChannel, b.options.PatternChannel, b.options.BroadcastChannel)
	if err != nil {
		return errors.Wrap(err, "subscribe to invalidation channels")
	}
	b.sub = sub

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info("Invalidation bus started", "instance", b.options.InstanceID)
	return nil
}

// Register adds a handler for key. The returned func removes it.
func (b *Bus) Register(key string, h Handler) func() {
	e := &handlerEntry{fn: h}

	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], e)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[key]
		for i, x := range list {
			if x == e {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(b.handlers, key)
		} else {
			b.handlers[key] = list
		}
	}
}

// OnAny adds a listener invoked for every invalidated key.
func (b *Bus) OnAny(h Handler) func() {
	e := &handlerEntry{fn: h}

	b.mu.Lock()
	b.wildcard = append(b.wildcard, e)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, x := range b.wildcard {
			if x == e {
				b.wildcard = append(b.wildcard[:i:i], b.wildcard[i+1:]...)
				return
			}
		}
	}
}

// OnBroadcast adds a handler for a broadcast event name.
func (b *Bus) OnBroadcast(event string, h BroadcastHandler) func() {
	e := &broadcastEntry{fn: h}

	b.mu.Lock()
	b.broadcasts[event] = append(b.broadcasts[event], e)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.broadcasts[event]
		for i, x := range list {
			if x == e {
				b.broadcasts[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Keys returns the keys with at least one registered handler, sorted.
func (b *Bus) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.handlers))
	for k := range b.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Invalidate runs the local handlers for key and publishes the invalidation.
// Publishing happens in the background; failures are logged and reported to
// OnError while the local effect stands.
func (b *Bus) Invalidate(ctx context.Context, key string, metadata map[string]any) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	msg := types.Invalidation{
		InstanceID: b.options.InstanceID,
		CacheKey:   key,
		Metadata:   metadata,
		Timestamp:  types.UnixMillis(time.Now()),
	}

	b.dispatch(msg)
	b.publishAsync(ctx, b.options.KeyChannel, msg)
	return nil
}

// InvalidatePattern runs the local path for every registered key matching
// the regular expression pattern, then publishes a single pattern message.
// It returns the number of local keys that matched.
func (b *Bus) InvalidatePattern(ctx context.Context, pattern string, metadata map[string]any) (int, error) {
	if b.isClosed() {
		return 0, ErrBusClosed
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid invalidation pattern %q", pattern)
	}

	now := types.UnixMillis(time.Now())
	matched := b.dispatchPattern(re, types.Invalidation{
		InstanceID: b.options.InstanceID,
		Pattern:    pattern,
		Metadata:   metadata,
		Timestamp:  now,
	})

	b.publishAsync(ctx, b.options.PatternChannel, types.Invalidation{
		InstanceID: b.options.InstanceID,
		Pattern:    pattern,
		Metadata:   metadata,
		Timestamp:  now,
	})

	if b.options.DebugMode {
		b.logger.Debug("InvalidatePattern: applied locally", "pattern", pattern, "matched", matched)
	}
	return matched, nil
}

// Broadcast delivers an event to the local handlers and publishes it to the fleet.
func (b *Bus) Broadcast(ctx context.Context, event string, payload map[string]any) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	ev := types.BroadcastEvent{
		InstanceID: b.options.InstanceID,
		Event:      event,
		Payload:    payload,
		Timestamp:  types.UnixMillis(time.Now()),
	}

	b.dispatchBroadcast(ev)
	b.publishAsync(ctx, b.options.BroadcastChannel, ev)
	return nil
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       atomic.LoadInt64(&b.stats.Published),
		PublishFailures: atomic.LoadInt64(&b.stats.PublishFailures),
		Received:        atomic.LoadInt64(&b.stats.Received),
		SelfDropped:     atomic.LoadInt64(&b.stats.SelfDropped),
		Malformed:       atomic.LoadInt64(&b.stats.Malformed),
		HandlerErrors:   atomic.LoadInt64(&b.stats.HandlerErrors),
	}
}

// Close stops receiving and waits for in-flight publishes.
func (b *Bus) Close() error {
	b.lifecycle.Lock()
	if b.closed {
		b.lifecycle.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	b.lifecycle.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Bus) isClosed() bool {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	return b.closed
}

func (b *Bus) publishAsync(ctx context.Context, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.reportError(errors.Wrapf(err, "encode %s message", channel))
		return
	}

	b.lifecycle.RLock()
	if b.closed {
		b.lifecycle.RUnlock()
		return
	}
	b.wg.Add(1)
	b.lifecycle.RUnlock()

	// The publish outlives the caller's context.
	base := context.WithoutCancel(ctx)

	go func() {
		defer b.wg.Done()

		pctx, cancel := context.WithTimeout(base, b.options.PublishTimeout)
		defer cancel()

		if err := b.client.Publish(pctx, channel, data); err != nil {
			atomic.AddInt64(&b.stats.PublishFailures, 1)
			b.metrics.BusMessage(channel, "publish_failed")
			b.reportError(errors.Wrapf(err, "publish to %s", channel))
			return
		}

		atomic.AddInt64(&b.stats.Published, 1)
		b.metrics.BusMessage(channel, "published")
		if b.options.DebugMode {
			b.logger.Debug("Published bus message", "channel", channel)
		}
	}()
}

func (b *Bus) listen(sub storage.Subscription) {
	defer b.wg.Done()

	for msg := range sub.Messages() {
		b.handleMessage(msg)
	}
}

// handleMessage counts msg as received once it has been fully handled.
func (b *Bus) handleMessage(msg storage.Message) {
	defer atomic.AddInt64(&b.stats.Received, 1)

	switch msg.Channel {
	case b.options.KeyChannel, b.options.PatternChannel:
		var inv types.Invalidation
		if err := json.Unmarshal(msg.Payload, &inv); err != nil {
			b.malformed(msg.Channel, err)
			return
		}

		// Our own handlers already ran when the message was sent.
		if inv.InstanceID == b.options.InstanceID {
			b.selfDropped(msg.Channel)
			return
		}
		b.metrics.BusMessage(msg.Channel, "received")

		if msg.Channel == b.options.KeyChannel {
			b.dispatch(inv)
			return
		}

		re, err := regexp.Compile(inv.Pattern)
		if err != nil {
			b.malformed(msg.Channel, err)
			return
		}
		b.dispatchPattern(re, inv)

	case b.options.BroadcastChannel:
		var ev types.BroadcastEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.malformed(msg.Channel, err)
			return
		}
		if ev.InstanceID == b.options.InstanceID {
			b.selfDropped(msg.Channel)
			return
		}
		b.metrics.BusMessage(msg.Channel, "received")
		b.dispatchBroadcast(ev)

	default:
		b.malformed(msg.Channel, errors.Errorf("unexpected channel %q", msg.Channel))
	}
}

// dispatchPattern runs the local path for every registered key matching re.
// Keys nobody registered a handler for are not touched.
func (b *Bus) dispatchPattern(re *regexp.Regexp, base types.Invalidation) int {
	matched := 0
	for _, key := range b.Keys() {
		if !re.MatchString(key) {
			continue
		}
		msg := base
		msg.CacheKey = key
		b.dispatch(msg)
		matched++
	}
	return matched
}

// dispatch invokes key handlers then wildcard listeners.
func (b *Bus) dispatch(msg types.Invalidation) {
	b.mu.RLock()
	handlers := append([]*handlerEntry(nil), b.handlers[msg.CacheKey]...)
	wildcard := append([]*handlerEntry(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(msg.CacheKey, func() error { return h.fn(msg) })
	}
	for _, h := range wildcard {
		b.call(msg.CacheKey, func() error { return h.fn(msg) })
	}
}

func (b *Bus) dispatchBroadcast(ev types.BroadcastEvent) {
	b.mu.RLock()
	handlers := append([]*broadcastEntry(nil), b.broadcasts[ev.Event]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(ev.Event, func() error { return h.fn(ev) })
	}
}

// call runs one handler so that neither an error nor a panic stops the others.
func (b *Bus) call(key string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(key, errors.Errorf("handler panic: %v", r))
		}
	}()

	if err := fn(); err != nil {
		b.handlerFailed(key, err)
	}
}

func (b *Bus) handlerFailed(key string, err error) {
	atomic.AddInt64(&b.stats.HandlerErrors, 1)
	b.metrics.HandlerError()
	b.logger.Error("Invalidation handler failed", "key", key, "error", err)
	if b.options.OnError != nil {
		b.options.OnError(err)
	}
}

func (b *Bus) selfDropped(channel string) {
	atomic.AddInt64(&b.stats.SelfDropped, 1)
	b.metrics.BusMessage(channel, "self_dropped")
}

func (b *Bus) malformed(channel string, err error) {
	atomic.AddInt64(&b.stats.Malformed, 1)
	b.logger.Warn("Dropping malformed bus message", "channel", channel, "error", err)
}

func (b *Bus) reportError(err error) {
	b.logger.Error("Invalidation bus error", "error", err)
	if b.options.OnError != nil {
		b.options.OnError(err)
	}
}
