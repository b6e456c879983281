// Package session keeps TTL-bounded per-owner session records in the shared
// store, so any process can read or modify any session.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/telemetry"
	"github.com/huykn/shard-coordinator/types"
)

// maxModifyAttempts bounds the read-modify-write retries on a contended record.
const maxModifyAttempts = 5

// ErrConflict is returned when a session kept changing underneath a
// read-modify-write.
var ErrConflict = errors.New("session modified concurrently")

// Options configures a Store.
type Options struct {
	// KeyPrefix is prepended to session ids to form store keys.
	KeyPrefix string

	// DefaultTTL is used when Create is called without a TTL.
	DefaultTTL time.Duration

	// ScanCount is the SCAN batch size hint.
	ScanCount int64

	// Serializer encodes records. Defaults to JSON, which decodes numbers
	// in session data as float64.
	Serializer storage.Serializer

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger telemetry.Logger

	// Metrics counts session operations. Optional.
	Metrics *telemetry.Metrics

	// DebugMode enables debug logging.
	DebugMode bool
}

// DefaultOptions returns default session store options.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:  "session:",
		DefaultTTL: 24 * time.Hour,
		ScanCount:  100,
	}
}

// Store is the cross-process session store.
// Missing sessions are reported as nil or false; only store failures are errors.
// Touch, Update and Extend only write over the record they read, so changes
// made concurrently by another process are never overwritten.
type Store struct {
	client     storage.Client
	serializer storage.Serializer
	logger     telemetry.Logger
	metrics    *telemetry.Metrics
	options    Options
	now        func() time.Time
}

// New creates a session Store on top of client.
func New(client storage.Client, opts Options) *Store {
	d := DefaultOptions()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = d.KeyPrefix
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = d.DefaultTTL
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = d.ScanCount
	}
	if opts.Serializer == nil {
		opts.Serializer = storage.NewJSONSerializer()
	}
	return &Store{
		client:     client,
		serializer: opts.Serializer,
		logger:     telemetry.OrNoOp(opts.Logger),
		metrics:    opts.Metrics,
		options:    opts,
		now:        time.Now,
	}
}

func (s *Store) key(id string) string {
	return s.options.KeyPrefix + id
}

// newID builds "<owner>:<unix-ms>:<random>" so ids are readable in the store.
func (s *Store) newID(ownerID string, now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("%s:%d:%s", ownerID, types.UnixMillis(now), hex.EncodeToString(u[:4]))
}

// Create stores a new session for ownerID and returns its id.
// A zero ttl uses DefaultTTL.
//
// data goes through the Serializer, JSON by default, so it reads back with
// JSON types: numbers become float64, nested objects map[string]any and
// slices []any.
func (s *Store) Create(ctx context.Context, ownerID string, data map[string]any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.options.DefaultTTL
	}
	if data == nil {
		data = make(map[string]any)
	}

	now := s.now()
	rec := &types.Session{
		ID:             s.newID(ownerID, now),
		OwnerID:        ownerID,
		Data:           data,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		TTL:            ttl,
	}

	if err := s.write(ctx, rec, ttl); err != nil {
		s.metrics.SessionOp("create", "error")
		return "", err
	}

	s.metrics.SessionOp("create", "success")
	if s.options.DebugMode {
		s.logger.Debug("Create: session stored", "id", rec.ID, "owner", ownerID, "ttl", ttl)
	}
	return rec.ID, nil
}

// Get returns the session, or nil if it does not exist or has expired.
// With touch set, the access time and TTL are refreshed (sliding expiration).
func (s *Store) Get(ctx context.Context, id string, touch bool) (*types.Session, error) {
	var (
		rec *types.Session
		err error
	)
	if touch {
		rec, _, err = s.modify(ctx, id, func(rec *types.Session) (time.Duration, bool) {
			now := s.now()
			window := rec.TTL
			if window <= 0 {
				window = s.options.DefaultTTL
			}
			rec.LastAccessedAt = now
			rec.ExpiresAt = now.Add(window)
			return window, true
		})
		// Writers kept racing the touch; serve the record without sliding it.
		if errors.Is(err, ErrConflict) {
			rec, _, err = s.read(ctx, id)
		}
	} else {
		rec, _, err = s.read(ctx, id)
	}

	if err != nil {
		s.metrics.SessionOp("get", "error")
		return nil, err
	}
	if rec == nil {
		s.metrics.SessionOp("get", "miss")
		return nil, nil
	}
	s.metrics.SessionOp("get", "hit")
	return rec, nil
}

// Update shallow-merges patch into the session data. Fields not present in
// patch are kept. A ttl above zero restarts the expiry window; otherwise the
// remaining TTL is preserved. It returns false if the session is gone.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any, ttl time.Duration) (bool, error) {
	_, ok, err := s.modify(ctx, id, func(rec *types.Session) (time.Duration, bool) {
		if rec.Data == nil {
			rec.Data = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			rec.Data[k] = v
		}

		now := s.now()
		remaining := rec.ExpiresAt.Sub(now)
		if ttl > 0 {
			rec.TTL = ttl
			rec.ExpiresAt = now.Add(ttl)
			remaining = ttl
		}
		return remaining, remaining > 0
	})
	if err != nil {
		s.metrics.SessionOp("update", "error")
		return false, err
	}
	if ok {
		s.metrics.SessionOp("update", "success")
	}
	return ok, nil
}

// Delete removes the session. It returns false if it did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Delete(ctx, s.key(id))
	if err != nil {
		return false, errors.Wrapf(err, "delete session %q", id)
	}
	return n > 0, nil
}

// Exists reports whether the session exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.client.Exists(ctx, s.key(id))
}

// Extend pushes the session's expiry by additional.
// It returns false if the session is gone.
func (s *Store) Extend(ctx context.Context, id string, additional time.Duration) (bool, error) {
	_, ok, err := s.modify(ctx, id, func(rec *types.Session) (time.Duration, bool) {
		rec.ExpiresAt = rec.ExpiresAt.Add(additional)
		remaining := rec.ExpiresAt.Sub(s.now())
		return remaining, remaining > 0
	})
	return ok, err
}

// GetByOwner returns every live session owned by ownerID.
func (s *Store) GetByOwner(ctx context.Context, ownerID string) ([]*types.Session, error) {
	var out []*types.Session
	err := s.scanOwner(ctx, ownerID, func(rec *types.Session) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// DeleteByOwner removes every session owned by ownerID and returns how many were removed.
func (s *Store) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	var ids []string
	if err := s.scanOwner(ctx, ownerID, func(rec *types.Session) error {
		ids = append(ids, s.key(rec.ID))
		return nil
	}); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.client.Delete(ctx, ids...)
	if err != nil {
		return 0, errors.Wrapf(err, "delete sessions of %q", ownerID)
	}
	return int(n), nil
}

// Count returns the number of stored sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	seen := make(map[string]struct{})
	err := s.client.Scan(ctx, s.options.KeyPrefix+"*", s.options.ScanCount, func(keys []string) error {
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return len(seen), nil
}

// Cleanup deletes records whose embedded expiry has passed or that cannot
// be decoded, independent of the store's own TTL eviction.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	now := s.now()
	var stale []string

	err := s.client.Scan(ctx, s.options.KeyPrefix+"*", s.options.ScanCount, func(keys []string) error {
		for _, k := range keys {
			raw, err := s.client.Get(ctx, k)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var rec types.Session
			if err := s.serializer.Unmarshal(raw, &rec); err != nil || rec.ExpiresAt.Before(now) {
				stale = append(stale, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "cleanup sessions")
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := s.client.Delete(ctx, stale...)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup sessions")
	}

	s.logger.Info("Cleanup: removed stale sessions", "count", n)
	return int(n), nil
}

func (s *Store) scanOwner(ctx context.Context, ownerID string, fn func(rec *types.Session) error) error {
	pattern := s.options.KeyPrefix + escapeGlob(ownerID) + ":*"
	seen := make(map[string]struct{})

	err := s.client.Scan(ctx, pattern, s.options.ScanCount, func(keys []string) error {
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}

			rec, _, err := s.read(ctx, strings.TrimPrefix(k, s.options.KeyPrefix))
			if err != nil {
				return err
			}
			// Owner ids may contain ':' so the prefix can match other owners.
			if rec == nil || rec.OwnerID != ownerID {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "scan sessions of %q", ownerID)
	}
	return nil
}

// read returns the decoded record and its stored bytes, or nil when the
// record is missing, undecodable or expired.
func (s *Store) read(ctx context.Context, id string) (*types.Session, []byte, error) {
	raw, err := s.client.Get(ctx, s.key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read session %q", id)
	}

	var rec types.Session
	if err := s.serializer.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("Session record is not decodable", "id", id, "error", err)
		return nil, nil, nil
	}
	if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(s.now()) {
		return nil, nil, nil
	}
	return &rec, raw, nil
}

// modify applies fn to the stored record and writes the result back only if
// the record was not changed in between, re-reading on conflict. fn returns
// the TTL to store the record with, or false to leave it as is. The returned
// bool reports whether a write happened; a nil record means the session is gone.
func (s *Store) modify(ctx context.Context, id string, fn func(rec *types.Session) (time.Duration, bool)) (*types.Session, bool, error) {
	for attempt := 1; attempt <= maxModifyAttempts; attempt++ {
		rec, raw, err := s.read(ctx, id)
		if err != nil || rec == nil {
			return nil, false, err
		}

		ttl, ok := fn(rec)
		if !ok {
			return rec, false, nil
		}

		next, err := s.serializer.Marshal(rec)
		if err != nil {
			return nil, false, err
		}
		swapped, err := s.client.CompareAndSwap(ctx, s.key(id), string(raw), storage.SetAction(next, ttl))
		if err != nil {
			return nil, false, errors.Wrapf(err, "write session %q", id)
		}
		if swapped {
			return rec, true, nil
		}

		if s.options.DebugMode {
			s.logger.Debug("Session changed concurrently, retrying", "id", id, "attempt", attempt)
		}
	}
	return nil, false, errors.Wrapf(ErrConflict, "session %q", id)
}

func (s *Store) write(ctx context.Context, rec *types.Session, ttl time.Duration) error {
	raw, err := s.serializer.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(rec.ID), raw, ttl); err != nil {
		return errors.Wrapf(err, "write session %q", rec.ID)
	}
	return nil
}

// escapeGlob escapes glob metacharacters for SCAN MATCH patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
