package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	shardcoord "github.com/huykn/shard-coordinator"
	"github.com/huykn/shard-coordinator/cache"
	"github.com/huykn/shard-coordinator/ipc"
	"github.com/huykn/shard-coordinator/lock"
	"github.com/huykn/shard-coordinator/storage"
	"github.com/huykn/shard-coordinator/supervisor"
)

const cleanupInterval = time.Minute

func workerCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one shard; started by supervise",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, root)
		},
	}
}

type invalidateRequest struct {
	Key     string `json:"key"`
	Pattern string `json:"pattern"`
}

func runWorker(ctx context.Context, root *rootCommand) error {
	cfg := root.config

	spec, err := supervisor.SpecFromEnv()
	if err != nil {
		return err
	}
	logger := root.logger.Named("worker").With("shard", spec.ID)

	coord, err := shardcoord.New(ctx, shardcoord.Config{
		Redis: storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			OnRetry: func(err error, next time.Duration) {
				logger.Warn("Redis not reachable, retrying", "error", err, "next", next)
			},
		},
		SessionTTL: cfg.SessionTTL.Std(),
		LocalCacheConfig: cache.LocalCacheConfig{
			Kind:        cfg.LocalCache.Kind,
			NumCounters: cache.DefaultLocalCacheConfig().NumCounters,
			MaxCost:     cache.DefaultLocalCacheConfig().MaxCost,
			BufferItems: cache.DefaultLocalCacheConfig().BufferItems,
			MaxSize:     cfg.LocalCache.MaxSize,
		},
		Logger:    logger,
		DebugMode: cfg.Debug,
		OnError: func(err error) {
			logger.Error("Background failure", "error", err)
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			logger.Error("Failed to close coordinator", "error", err)
		}
	}()

	w := supervisor.NewWorker(spec, ipc.NewStream(os.Stdin, os.Stdout), logger)
	w.Handle("stats", func(ctx context.Context, _ json.RawMessage) (any, error) {
		sessions, err := coord.Sessions.Count(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"instance": coord.InstanceID(),
			"bus":      coord.Bus.Stats(),
			"cache":    coord.Cache.Stats(),
			"locks":    len(coord.Mutex.ActiveLocks()),
			"sessions": sessions,
		}, nil
	})
	w.Handle("invalidate", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req invalidateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode invalidate request")
		}
		if req.Pattern != "" {
			return coord.Cache.InvalidatePattern(ctx, req.Pattern)
		}
		return nil, coord.Cache.Invalidate(ctx, req.Key)
	})

	go cleanupSessions(ctx, coord, logger)

	logger.Info("Worker started", "count", spec.Count, "instance", coord.InstanceID())
	return w.Serve(ctx)
}

// cleanupSessions sweeps stale sessions periodically. The lock keeps the
// shards from sweeping at the same time.
func cleanupSessions(ctx context.Context, coord *shardcoord.Coordinator, logger shardcoord.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := coord.Mutex.WithLock(ctx, "session-cleanup", lock.AcquireOptions{TTL: cleanupInterval, Retry: 1},
			func(ctx context.Context) error {
				n, err := coord.Sessions.Cleanup(ctx)
				if n > 0 {
					logger.Info("Removed stale sessions", "count", n)
				}
				return err
			})
		if err != nil && !errors.Is(err, lock.ErrNotAcquired) {
			logger.Warn("Session cleanup failed", "error", err)
		}
	}
}
