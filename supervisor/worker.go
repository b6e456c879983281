package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/ipc"
	"github.com/huykn/shard-coordinator/telemetry"
)

// SpecFromEnv reads the shard identity the supervisor put in the environment.
func SpecFromEnv() (ShardSpec, error) {
	id, err := strconv.Atoi(os.Getenv(EnvShardID))
	if err != nil {
		return ShardSpec{}, errors.Wrapf(err, "parse %s", EnvShardID)
	}
	count, err := strconv.Atoi(os.Getenv(EnvShardCount))
	if err != nil {
		return ShardSpec{}, errors.Wrapf(err, "parse %s", EnvShardCount)
	}
	if id < 0 || count <= 0 || id >= count {
		return ShardSpec{}, errors.Errorf("shard %d out of range for count %d", id, count)
	}
	return ShardSpec{ID: id, Count: count}, nil
}

// Worker is the child side of the supervisor connection.
type Worker struct {
	spec   ShardSpec
	conn   *ipc.Conn
	logger telemetry.Logger
	start  time.Time
}

// NewWorker serves spec over rwc, usually the process's stdin and stdout.
func NewWorker(spec ShardSpec, rwc io.ReadWriteCloser, logger telemetry.Logger) *Worker {
	logger = telemetry.OrNoOp(logger)
	w := &Worker{
		spec:   spec,
		conn:   ipc.NewConn(rwc, ipc.Options{Logger: logger}),
		logger: logger,
		start:  time.Now(),
	}
	w.conn.Handle(EventPing, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{
			"shard":  w.spec.ID,
			"pid":    os.Getpid(),
			"uptime": time.Since(w.start).String(),
		}, nil
	})
	return w
}

// Spec returns the shard this worker serves.
func (w *Worker) Spec() ShardSpec {
	return w.spec
}

// Handle registers a handler for requests from the supervisor.
func (w *Worker) Handle(event string, h ipc.HandlerFunc) {
	w.conn.Handle(event, h)
}

// Request sends a request to the supervisor.
func (w *Worker) Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return w.conn.Request(ctx, event, payload, timeout)
}

// Serve announces readiness and answers requests until ctx is canceled or
// the supervisor goes away.
func (w *Worker) Serve(ctx context.Context) error {
	go func() {
		if _, err := w.conn.Request(ctx, EventReady, w.spec, 0); err != nil {
			w.logger.Warn("Failed to announce readiness", "shard", w.spec.ID, "error", err)
		}
	}()
	return w.conn.Serve(ctx)
}

// Done is closed when the supervisor connection is gone.
func (w *Worker) Done() <-chan struct{} {
	return w.conn.Done()
}

// Close closes the connection to the supervisor.
func (w *Worker) Close() error {
	return w.conn.Close()
}
