package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key is not found.
var ErrNotFound = errors.New("key not found in store")

// ErrClosed is returned when operations are performed on a closed client.
var ErrClosed = errors.New("store client is closed")

// ActionKind is the mutation applied by CompareAndSwap when the stored value matches.
type ActionKind int

const (
	// ActionDelete deletes the key.
	ActionDelete ActionKind = iota
	// ActionExpire resets the key's TTL.
	ActionExpire
	// ActionSet replaces the value and TTL.
	ActionSet
)

// CompareAction describes what CompareAndSwap does on a match.
type CompareAction struct {
	Kind  ActionKind
	TTL   time.Duration
	Value []byte
}

// DeleteAction deletes the key when the stored value matches.
func DeleteAction() CompareAction {
	return CompareAction{Kind: ActionDelete}
}

// ExpireAction resets the key's TTL when the stored value matches.
func ExpireAction(ttl time.Duration) CompareAction {
	return CompareAction{Kind: ActionExpire, TTL: ttl}
}

// SetAction replaces the value when the stored value matches. A zero ttl
// stores it without expiry.
func SetAction(value []byte, ttl time.Duration) CompareAction {
	return CompareAction{Kind: ActionSet, Value: value, TTL: ttl}
}

// Message is a pub/sub message.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pub/sub subscription.
type Subscription interface {
	// Messages returns the channel of received messages. It is closed when the subscription ends.
	Messages() <-chan Message

	// Close ends the subscription.
	Close() error
}

// Client is the contract every backing store must satisfy.
// Operations on a single key are linearizable; nothing is promised across keys.
type Client interface {
	// SetNX atomically sets key to value with ttl if key does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap atomically applies action if the stored value equals expected.
	// It returns true only if the action was applied.
	CompareAndSwap(ctx context.Context, key, expected string, action CompareAction) (bool, error)

	// Get retrieves a value, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A zero ttl stores it without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire resets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining TTL of key, zero if it has none, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Scan iterates keys matching a glob pattern in batches of roughly count keys.
	Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error

	// Publish sends payload on channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe listens on channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases all connections.
	Close() error
}

// ScanAll collects every key matching pattern.
func ScanAll(ctx context.Context, c Client, pattern string, count int64) ([]string, error) {
	var out []string
	err := c.Scan(ctx, pattern, count, func(keys []string) error {
		out = append(out, keys...)
		return nil
	})
	return out, err
}
