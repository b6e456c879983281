package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the coordination layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LockOps        *prometheus.CounterVec   // op=acquire|release|extend|force_release, result=success|contended|error
	LockLatency    *prometheus.HistogramVec // op
	BusMessages    *prometheus.CounterVec   // direction=published|received|self_dropped|publish_failed
	HandlerErrors  prometheus.Counter
	SessionOps     *prometheus.CounterVec // op, result=hit|miss|error
	ShardRestarts  *prometheus.CounterVec // shard
	ShardsUp       prometheus.Gauge
	HeartbeatRTT   *prometheus.HistogramVec // shard
	HeartbeatFails *prometheus.CounterVec   // shard
}

// NewMetrics creates the collectors and registers them on reg.
// When reg is nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardcoord_lock_ops_total",
			Help: "Distributed lock operations by result",
		}, []string{"op", "result"}),
		LockLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardcoord_lock_op_latency_ms",
			Help:    "Latency of distributed lock operations (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"op"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardcoord_bus_messages_total",
			Help: "Invalidation bus messages by direction",
		}, []string{"channel", "direction"}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardcoord_bus_handler_errors_total",
			Help: "Invalidation handlers that returned an error or panicked",
		}),
		SessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardcoord_session_ops_total",
			Help: "Session store operations by result",
		}, []string{"op", "result"}),
		ShardRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardcoord_shard_restarts_total",
			Help: "Shard respawns scheduled by the supervisor",
		}, []string{"shard"}),
		ShardsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardcoord_shards_up",
			Help: "Number of shard processes currently running",
		}),
		HeartbeatRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardcoord_heartbeat_latency_ms",
			Help:    "Heartbeat round-trip latency (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"shard"}),
		HeartbeatFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardcoord_heartbeat_failures_total",
			Help: "Failed heartbeats per shard",
		}, []string{"shard"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LockOps,
			m.LockLatency,
			m.BusMessages,
			m.HandlerErrors,
			m.SessionOps,
			m.ShardRestarts,
			m.ShardsUp,
			m.HeartbeatRTT,
			m.HeartbeatFails,
		)
	}

	return m
}

// LockOp records a lock operation result and its latency.
func (m *Metrics) LockOp(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.LockOps.WithLabelValues(op, result).Inc()
	m.LockLatency.WithLabelValues(op).Observe(float64(time.Since(started).Milliseconds()))
}

// BusMessage counts a bus message.
func (m *Metrics) BusMessage(channel, direction string) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(channel, direction).Inc()
}

// HandlerError counts a failed invalidation handler.
func (m *Metrics) HandlerError() {
	if m == nil {
		return
	}
	m.HandlerErrors.Inc()
}

// SessionOp counts a session store operation.
func (m *Metrics) SessionOp(op, result string) {
	if m == nil {
		return
	}
	m.SessionOps.WithLabelValues(op, result).Inc()
}

// ShardRestart counts a scheduled respawn.
func (m *Metrics) ShardRestart(shard string) {
	if m == nil {
		return
	}
	m.ShardRestarts.WithLabelValues(shard).Inc()
}

// ShardUp adjusts the running shard gauge by delta.
func (m *Metrics) ShardUp(delta float64) {
	if m == nil {
		return
	}
	m.ShardsUp.Add(delta)
}

// Heartbeat records a heartbeat outcome.
func (m *Metrics) Heartbeat(shard string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HeartbeatFails.WithLabelValues(shard).Inc()
		return
	}
	m.HeartbeatRTT.WithLabelValues(shard).Observe(float64(latency.Milliseconds()))
}
