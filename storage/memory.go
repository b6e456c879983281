package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const memorySubscriptionBuffer = 1024

// MemoryClient implements Client in-process.
// It serves single-node deployments and tests. Every process sharing a
// MemoryClient value behaves as if it shared one backing store.
type MemoryClient struct {
	mu     sync.Mutex
	items  *ttlcache.Cache[string, []byte]
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryClient creates an in-process store.
func NewMemoryClient() *MemoryClient {
	items := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go items.Start()

	return &MemoryClient{
		items: items,
		subs:  make(map[string]map[*memorySubscription]struct{}),
	}
}

func ttlOrNone(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

// put replaces key so that a previous expiry never leaks into the new entry.
func (mc *MemoryClient) put(key string, value []byte, ttl time.Duration) {
	mc.items.Delete(key)
	mc.items.Set(key, value, ttlOrNone(ttl))
}

// lookup returns the live item for key. Callers hold mc.mu.
func (mc *MemoryClient) lookup(key string) *ttlcache.Item[string, []byte] {
	item := mc.items.Get(key)
	if item == nil || item.IsExpired() {
		return nil
	}
	return item
}

func (mc *MemoryClient) checkOpen(ctx context.Context) error {
	if mc.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// SetNX implements Client.
func (mc *MemoryClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return false, err
	}

	if mc.lookup(key) != nil {
		return false, nil
	}
	mc.put(key, []byte(value), ttl)
	return true, nil
}

// CompareAndSwap implements Client.
func (mc *MemoryClient) CompareAndSwap(ctx context.Context, key, expected string, action CompareAction) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return false, err
	}

	item := mc.lookup(key)
	if item == nil || string(item.Value()) != expected {
		return false, nil
	}

	switch action.Kind {
	case ActionDelete:
		mc.items.Delete(key)
	case ActionExpire:
		mc.put(key, item.Value(), action.TTL)
	case ActionSet:
		mc.put(key, append([]byte(nil), action.Value...), action.TTL)
	default:
		return false, nil
	}
	return true, nil
}

// Get implements Client.
func (mc *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return nil, err
	}

	item := mc.lookup(key)
	if item == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(item.Value()))
	copy(out, item.Value())
	return out, nil
}

// Set implements Client.
func (mc *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	mc.put(key, stored, ttl)
	return nil
}

// Delete implements Client.
func (mc *MemoryClient) Delete(ctx context.Context, keys ...string) (int64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return 0, err
	}

	var n int64
	for _, k := range keys {
		if mc.lookup(k) != nil {
			n++
		}
		mc.items.Delete(k)
	}
	return n, nil
}

// Exists implements Client.
func (mc *MemoryClient) Exists(ctx context.Context, key string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return false, err
	}
	return mc.lookup(key) != nil, nil
}

// Expire implements Client.
func (mc *MemoryClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return false, err
	}

	item := mc.lookup(key)
	if item == nil {
		return false, nil
	}
	mc.put(key, item.Value(), ttl)
	return true, nil
}

// TTL implements Client.
func (mc *MemoryClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return 0, err
	}

	item := mc.lookup(key)
	if item == nil {
		return 0, ErrNotFound
	}
	if item.ExpiresAt().IsZero() {
		return 0, nil
	}
	return time.Until(item.ExpiresAt()), nil
}

// Scan implements Client. The key set is snapshotted before fn is called,
// so fn may mutate the store.
func (mc *MemoryClient) Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error {
	g, err := compileGlob(pattern)
	if err != nil {
		return err
	}

	mc.mu.Lock()
	if err := mc.checkOpen(ctx); err != nil {
		mc.mu.Unlock()
		return err
	}
	var matched []string
	for _, k := range mc.items.Keys() {
		if mc.lookup(k) == nil {
			continue
		}
		if g.Match(k) {
			matched = append(matched, k)
		}
	}
	mc.mu.Unlock()

	sort.Strings(matched)
	if count <= 0 {
		count = 10
	}
	for start := 0; start < len(matched); start += int(count) {
		end := min(start+int(count), len(matched))
		if err := fn(matched[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// compileGlob compiles a SCAN MATCH pattern with Redis semantics: '*' and
// '?' match any byte including '/', "[^...]" negates a class and braces are
// literal.
func compileGlob(pattern string) (glob.Glob, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '\\':
			b.WriteByte(c)
			if i+1 < len(pattern) {
				i++
				b.WriteByte(pattern[i])
			}
		case '{', '}', ',':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '[':
			b.WriteByte(c)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				i++
				b.WriteByte('!')
			}
		default:
			b.WriteByte(c)
		}
	}

	g, err := glob.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid scan pattern %q", pattern)
	}
	return g, nil
}

// Publish implements Client. Delivery is best effort: a subscriber whose
// buffer is full misses the message.
func (mc *MemoryClient) Publish(ctx context.Context, channel string, payload []byte) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return err
	}

	for s := range mc.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case s.out <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Client.
func (mc *MemoryClient) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.checkOpen(ctx); err != nil {
		return nil, err
	}

	s := &memorySubscription{
		client:   mc,
		channels: channels,
		out:      make(chan Message, memorySubscriptionBuffer),
	}
	for _, ch := range channels {
		if mc.subs[ch] == nil {
			mc.subs[ch] = make(map[*memorySubscription]struct{})
		}
		mc.subs[ch][s] = struct{}{}
	}
	return s, nil
}

// Ping implements Client.
func (mc *MemoryClient) Ping(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.checkOpen(ctx)
}

// Close implements Client. Open subscriptions are terminated.
func (mc *MemoryClient) Close() error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return nil
	}
	mc.closed = true
	subs := make(map[*memorySubscription]struct{})
	for _, set := range mc.subs {
		for s := range set {
			subs[s] = struct{}{}
		}
	}
	mc.mu.Unlock()

	for s := range subs {
		_ = s.Close()
	}
	mc.items.Stop()
	return nil
}

type memorySubscription struct {
	client   *MemoryClient
	channels []string
	out      chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		mc := s.client
		mc.mu.Lock()
		for _, ch := range s.channels {
			delete(mc.subs[ch], s)
		}
		close(s.out)
		mc.mu.Unlock()
	})
	return nil
}
