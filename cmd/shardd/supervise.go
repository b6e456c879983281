package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/huykn/shard-coordinator/supervisor"
	"github.com/huykn/shard-coordinator/telemetry"
)

func superviseCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Spawn the configured number of shards and keep them alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, root)
		},
	}
}

func runSupervisor(ctx context.Context, root *rootCommand) error {
	cfg := root.config
	logger := root.logger.Named("supervisor")

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate shardd binary")
	}
	workerArgs := []string{"worker"}
	if root.configPath != "" {
		workerArgs = append(workerArgs, "--config", root.configPath)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	sup, err := supervisor.New(supervisor.Options{
		Command:             exe,
		Args:                workerArgs,
		Env:                 cfg.Environ(),
		RestartIncrement:    cfg.Supervisor.RestartIncrement.Std(),
		MaxRestartDelay:     cfg.Supervisor.MaxRestartDelay.Std(),
		StabilityWindow:     cfg.Supervisor.StabilityWindow.Std(),
		HeartbeatInterval:   cfg.Supervisor.HeartbeatInterval.Std(),
		HeartbeatTimeout:    cfg.Supervisor.HeartbeatTimeout.Std(),
		SlowHeartbeat:       cfg.Supervisor.SlowHeartbeat.Std(),
		MaxMissedHeartbeats: cfg.Supervisor.MaxMissedHeartbeats,
		RequestTimeout:      cfg.Supervisor.RequestTimeout.Std(),
		Logger:              logger,
		Metrics:             metrics,
		DebugMode:           cfg.Debug,
		OnError: func(err error) {
			logger.Error("Background failure", "error", err)
		},
	})
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/shards", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(sup.Shards())
		})
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	if err := sup.Spawn(ctx, cfg.Shards); err != nil {
		return err
	}
	sup.StartHeartbeat()
	logger.Info("Supervising shards", "count", cfg.Shards, "metrics", cfg.MetricsAddr)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout.Std())
	defer cancel()

	err = sup.Shutdown(shutdownCtx)
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	return err
}
