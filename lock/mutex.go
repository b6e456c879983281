// Package lock provides named, TTL-bounded locks shared by every process
// connected to the same backing store.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
	"github.com/huykn/shard-coordinator/types"
)

// ErrNotAcquired is returned by WithLock when the lock is held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// Mutex hands out fleet-wide exclusive locks.
// Contention is reported as an empty token or false, never as an error.
type Mutex struct {
	client  storage.Client
	logger  telemetry.Logger
	metrics *telemetry.Metrics
	options Options

	mu    sync.Mutex
	locks map[string]types.LockRecord
}

// New creates a Mutex on top of client.
func New(client storage.Client, opts Options) *Mutex {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultOptions().KeyPrefix
	}
	return &Mutex{
		client:  client,
		logger:  telemetry.OrNoOp(opts.Logger),
		metrics: opts.Metrics,
		options: opts,
		locks:   make(map[string]types.LockRecord),
	}
}

func (m *Mutex) key(resource string) string {
	return m.options.KeyPrefix + resource
}

// Acquire tries to take the lock on resource.
// It returns the ownership token, or "" if the lock is still held by someone
// else after all attempts. Store failures are returned as errors.
func (m *Mutex) Acquire(ctx context.Context, resource string, opts AcquireOptions) (string, error) {
	opts = opts.withDefaults()
	started := time.Now()
	key := m.key(resource)
	token := uuid.NewString()

	for attempt := 1; attempt <= opts.Retry; attempt++ {
		ok, err := m.client.SetNX(ctx, key, token, opts.TTL)
		if err != nil {
			m.metrics.LockOp("acquire", "error", started)
			return "", errors.Wrapf(err, "acquire lock %q", resource)
		}

		if ok {
			now := time.Now()
			m.mu.Lock()
			m.locks[resource] = types.LockRecord{
				Resource:   resource,
				Token:      token,
				Key:        key,
				AcquiredAt: now,
				TTL:        opts.TTL,
				ExpiresAt:  now.Add(opts.TTL),
			}
			m.mu.Unlock()

			m.metrics.LockOp("acquire", "success", started)
			if m.options.DebugMode {
				m.logger.Debug("Acquire: lock acquired", "resource", resource, "attempt", attempt, "ttl", opts.TTL)
			}
			return token, nil
		}

		if attempt == opts.Retry {
			break
		}

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	m.metrics.LockOp("acquire", "contended", started)
	if m.options.DebugMode {
		m.logger.Debug("Acquire: lock held elsewhere", "resource", resource, "attempts", opts.Retry)
	}
	return "", nil
}

// Release frees the lock only if token still owns it.
// It returns false when the lock expired or belongs to someone else.
func (m *Mutex) Release(ctx context.Context, resource, token string) (bool, error) {
	started := time.Now()

	ok, err := m.client.CompareAndSwap(ctx, m.key(resource), token, storage.DeleteAction())
	if err != nil {
		m.metrics.LockOp("release", "error", started)
		return false, errors.Wrapf(err, "release lock %q", resource)
	}

	m.forget(resource, token)

	if !ok {
		m.metrics.LockOp("release", "contended", started)
		m.logger.Warn("Release: lock not owned or already expired", "resource", resource)
		return false, nil
	}

	m.metrics.LockOp("release", "success", started)
	if m.options.DebugMode {
		m.logger.Debug("Release: lock released", "resource", resource)
	}
	return true, nil
}

// Extend pushes the expiry of a lock still owned by token.
// The new TTL is the originally acquired TTL plus additional.
func (m *Mutex) Extend(ctx context.Context, resource, token string, additional time.Duration) (bool, error) {
	started := time.Now()

	base := DefaultTTL
	m.mu.Lock()
	if rec, ok := m.locks[resource]; ok && rec.Token == token {
		base = rec.TTL
	}
	m.mu.Unlock()
	ttl := base + additional

	ok, err := m.client.CompareAndSwap(ctx, m.key(resource), token, storage.ExpireAction(ttl))
	if err != nil {
		m.metrics.LockOp("extend", "error", started)
		return false, errors.Wrapf(err, "extend lock %q", resource)
	}
	if !ok {
		m.forget(resource, token)
		m.metrics.LockOp("extend", "contended", started)
		return false, nil
	}

	m.mu.Lock()
	if rec, found := m.locks[resource]; found && rec.Token == token {
		rec.ExpiresAt = time.Now().Add(ttl)
		m.locks[resource] = rec
	}
	m.mu.Unlock()

	m.metrics.LockOp("extend", "success", started)
	if m.options.DebugMode {
		m.logger.Debug("Extend: lock extended", "resource", resource, "ttl", ttl)
	}
	return true, nil
}

// WithLock runs fn while holding the lock on resource.
// The lock is released exactly once, even if fn fails or panics. An error
// from fn takes precedence over a release error.
func (m *Mutex) WithLock(ctx context.Context, resource string, opts AcquireOptions, fn func(ctx context.Context) error) (err error) {
	token, err := m.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	if token == "" {
		return errors.Wrapf(ErrNotAcquired, "resource %q", resource)
	}

	defer func() {
		// Release even if ctx was canceled while fn ran.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if _, relErr := m.Release(releaseCtx, resource, token); relErr != nil {
			m.logger.Error("WithLock: release failed", "resource", resource, "error", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()

	return fn(ctx)
}

// IsLocked reports whether anyone currently holds resource.
func (m *Mutex) IsLocked(ctx context.Context, resource string) (bool, error) {
	return m.client.Exists(ctx, m.key(resource))
}

// ForceRelease deletes the lock regardless of owner. Administrative use only.
func (m *Mutex) ForceRelease(ctx context.Context, resource string) (bool, error) {
	started := time.Now()

	n, err := m.client.Delete(ctx, m.key(resource))
	if err != nil {
		m.metrics.LockOp("force_release", "error", started)
		return false, errors.Wrapf(err, "force release lock %q", resource)
	}

	m.mu.Lock()
	delete(m.locks, resource)
	m.mu.Unlock()

	m.metrics.LockOp("force_release", "success", started)
	m.logger.Warn("ForceRelease: lock removed", "resource", resource, "existed", n > 0)
	return n > 0, nil
}

// ActiveLocks returns the locks this process believes it holds.
func (m *Mutex) ActiveLocks() []types.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.LockRecord, 0, len(m.locks))
	for _, rec := range m.locks {
		out = append(out, rec)
	}
	return out
}

// ReleaseAll releases every lock held by this process. It keeps going after
// individual failures and returns how many locks were released.
func (m *Mutex) ReleaseAll(ctx context.Context) (int, error) {
	var (
		released int
		errs     []error
	)
	held := m.ActiveLocks()
	for _, rec := range held {
		ok, err := m.Release(ctx, rec.Resource, rec.Token)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}

	if len(errs) > 0 {
		return released, errors.Wrapf(errs[0], "%d of %d releases failed", len(errs), len(held))
	}
	return released, nil
}

// forget drops the local record if it still belongs to token.
func (m *Mutex) forget(resource, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.locks[resource]; ok && rec.Token == token {
		delete(m.locks, resource)
	}
}
