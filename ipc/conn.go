// Package ipc implements request/response messaging between a parent
// process and its children over a byte stream such as a pipe pair.
//
// Messages are newline-delimited JSON envelopes. Requests carry a
// correlation id that the matching response echoes back.
package ipc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/telemetry"
)

// DefaultTimeout is used when Request is called without a timeout.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when no response arrives in time.
var ErrTimeout = errors.New("ipc request timed out")

// ErrClosed is returned when the connection is closed.
var ErrClosed = errors.New("ipc connection closed")

const (
	kindRequest  = "request"
	kindResponse = "response"
)

// Envelope is the wire format of every message.
type Envelope struct {
	Kind          string          `json:"kind"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Error         string          `json:"error,omitempty"`
}

// RemoteError is a failure reported by the other side's handler.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return "remote handler for " + e.Event + " failed: " + e.Message
}

// HandlerFunc answers a request. The returned value is JSON encoded.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Options configures a Conn.
type Options struct {
	// Clock drives request timeouts. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger telemetry.Logger
}

// Conn is one end of an IPC stream. Both ends may send requests.
type Conn struct {
	rwc    io.ReadWriteCloser
	clock  clockwork.Clock
	logger telemetry.Logger

	writeMu sync.Mutex
	enc     *json.Encoder

	mu       sync.Mutex
	pending  map[string]chan Envelope
	handlers map[string]HandlerFunc

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps rwc. Call Serve to start reading.
func NewConn(rwc io.ReadWriteCloser, opts Options) *Conn {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Conn{
		rwc:      rwc,
		clock:    opts.Clock,
		logger:   telemetry.OrNoOp(opts.Logger),
		enc:      json.NewEncoder(rwc),
		pending:  make(map[string]chan Envelope),
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for incoming requests named event.
func (c *Conn) Handle(event string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Serve reads messages until the stream ends or ctx is canceled.
// Pending requests fail with ErrClosed once it returns.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	dec := json.NewDecoder(c.rwc)
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) || c.isClosed() {
				return nil
			}
			return errors.Wrap(err, "ipc read failed")
		}

		switch env.Kind {
		case kindRequest:
			go c.answer(ctx, env)
		case kindResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.CorrelationID]
			delete(c.pending, env.CorrelationID)
			c.mu.Unlock()

			// A response to a request that already timed out is discarded.
			if ok {
				ch <- env
			}
		default:
			c.logger.Warn("Dropping ipc message of unknown kind", "kind", env.Kind, "event", env.Event)
		}
	}
}

// Request sends event with payload and waits for the response.
// A zero timeout uses DefaultTimeout. A timed-out request is abandoned; the
// other side may still process it.
func (c *Conn) Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", event)
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	if err := c.write(Envelope{Kind: kindRequest, Event: event, Payload: raw, CorrelationID: id}); err != nil {
		forget()
		return nil, err
	}

	select {
	case env := <-ch:
		if env.Error != "" {
			return nil, &RemoteError{Event: event, Message: env.Error}
		}
		return env.Payload, nil
	case <-timer.Chan():
		forget()
		return nil, errors.Wrapf(ErrTimeout, "%s after %s", event, timeout)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		forget()
		return nil, ErrClosed
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) answer(ctx context.Context, req Envelope) {
	c.mu.Lock()
	h, ok := c.handlers[req.Event]
	c.mu.Unlock()

	resp := Envelope{Kind: kindResponse, Event: req.Event, CorrelationID: req.CorrelationID}

	if !ok {
		resp.Error = "unknown event " + req.Event
	} else if out, err := h(ctx, req.Payload); err != nil {
		resp.Error = err.Error()
	} else if resp.Payload, err = json.Marshal(out); err != nil {
		resp.Error = err.Error()
	}

	if err := c.write(resp); err != nil && !c.isClosed() {
		c.logger.Warn("Failed to write ipc response", "event", req.Event, "error", err)
	}
}

func (c *Conn) write(env Envelope) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.enc.Encode(env); err != nil {
		return errors.Wrapf(err, "ipc write %s", env.Event)
	}
	return nil
}

type stream struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (s *stream) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewStream joins a reader and a writer into one io.ReadWriteCloser.
// Closing it closes both when they implement io.Closer.
func NewStream(r io.Reader, w io.Writer) io.ReadWriteCloser {
	s := &stream{Reader: r, Writer: w}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	return s
}
