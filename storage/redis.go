package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var compareAndSet = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	else
		redis.call("SET", KEYS[1], ARGV[2])
	end
	return 1
end
return 0
`)

// RedisOptions configures a RedisClient.
type RedisOptions struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix is prepended to every key and channel.
	KeyPrefix string

	// ConnectTimeout bounds the initial connection retries.
	ConnectTimeout time.Duration

	// OnRetry is called for every failed connection attempt.
	OnRetry func(err error, next time.Duration)
}

// DefaultRedisOptions returns default Redis options.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Addr:           "localhost:6379",
		ConnectTimeout: 5 * time.Second,
	}
}

// RedisClient implements Client on Redis.
// It holds separate connections for commands, publishing and subscribing.
type RedisClient struct {
	cmd    *redis.Client
	pub    *redis.Client
	sub    *redis.Client
	prefix string
}

// NewRedisClient creates a Redis-backed client and verifies the connection.
func NewRedisClient(opts RedisOptions) (*RedisClient, error) {
	return Connect(context.Background(), opts)
}

// Connect creates a Redis-backed client, retrying the first ping with exponential backoff.
func Connect(ctx context.Context, opts RedisOptions) (*RedisClient, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultRedisOptions().Addr
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultRedisOptions().ConnectTimeout
	}

	newConn := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	rc := &RedisClient{
		cmd:    newConn(),
		pub:    newConn(),
		sub:    newConn(),
		prefix: opts.KeyPrefix,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = opts.ConnectTimeout

	if err := backoff.RetryNotify(func() error {
		return rc.Ping(ctx)
	}, backoff.WithContext(b, ctx), opts.OnRetry); err != nil {
		_ = rc.Close()
		return nil, errors.Wrapf(err, "redis connection to %s failed", opts.Addr)
	}

	return rc, nil
}

func (rc *RedisClient) key(k string) string {
	return rc.prefix + k
}

// SetNX implements Client.
func (rc *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return rc.cmd.SetNX(ctx, rc.key(key), value, ttl).Result()
}

// CompareAndSwap implements Client using server-side scripts.
func (rc *RedisClient) CompareAndSwap(ctx context.Context, key, expected string, action CompareAction) (bool, error) {
	keys := []string{rc.key(key)}

	var (
		n   int64
		err error
	)
	switch action.Kind {
	case ActionDelete:
		n, err = compareAndDelete.Run(ctx, rc.cmd, keys, expected).Int64()
	case ActionExpire:
		n, err = compareAndExpire.Run(ctx, rc.cmd, keys, expected, action.TTL.Milliseconds()).Int64()
	case ActionSet:
		n, err = compareAndSet.Run(ctx, rc.cmd, keys, expected, action.Value, action.TTL.Milliseconds()).Int64()
	default:
		return false, errors.Errorf("unknown compare action %d", action.Kind)
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get implements Client.
func (rc *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := rc.cmd.Get(ctx, rc.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

// Set implements Client.
func (rc *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rc.cmd.Set(ctx, rc.key(key), value, ttl).Err()
}

// Delete implements Client.
func (rc *RedisClient) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = rc.key(k)
	}
	return rc.cmd.Del(ctx, full...).Result()
}

// Exists implements Client.
func (rc *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rc.cmd.Exists(ctx, rc.key(key)).Result()
	return n > 0, err
}

// Expire implements Client.
func (rc *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return rc.cmd.PExpire(ctx, rc.key(key), ttl).Result()
}

// TTL implements Client.
func (rc *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := rc.cmd.PTTL(ctx, rc.key(key)).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case ttl == -2:
		return 0, ErrNotFound
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

// Scan implements Client with SCAN, so large key spaces never block the server.
func (rc *RedisClient) Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := rc.cmd.Scan(ctx, cursor, rc.key(pattern), count).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			for i, k := range keys {
				keys[i] = strings.TrimPrefix(k, rc.prefix)
			}
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Publish implements Client.
func (rc *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return rc.pub.Publish(ctx, rc.key(channel), payload).Err()
}

// Subscribe implements Client.
func (rc *RedisClient) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	full := make([]string, len(channels))
	for i, ch := range channels {
		full[i] = rc.key(ch)
	}

	ps := rc.sub.Subscribe(ctx, full...)

	// Wait for the subscription confirmation so that errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis subscribe failed")
	}

	s := &redisSubscription{
		pubsub: ps,
		out:    make(chan Message, 256),
		prefix: rc.prefix,
	}
	go s.forward()
	return s, nil
}

// Ping implements Client.
func (rc *RedisClient) Ping(ctx context.Context) error {
	for _, c := range []*redis.Client{rc.cmd, rc.pub, rc.sub} {
		if err := c.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Client.
func (rc *RedisClient) Close() error {
	var first error
	for _, c := range []*redis.Client{rc.cmd, rc.pub, rc.sub} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// GetClient returns the underlying command connection.
func (rc *RedisClient) GetClient() *redis.Client {
	return rc.cmd
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	prefix string
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{
			Channel: strings.TrimPrefix(msg.Channel, s.prefix),
			Payload: []byte(msg.Payload),
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
