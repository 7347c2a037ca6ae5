// Package correlator matches outgoing requests with the replies that arrive for them.
//
// One Correlator belongs to one connection. Send registers a pending entry, arms its
// deadline timer and writes the request; the connection's read loop hands every success
// or error envelope to OnEnvelope. Each entry ends exactly once, through whichever comes
// first:
//
//	reply      OnEnvelope  → Result{Value} or Result{Err: *message.ErrorInfo}
//	deadline   timer fires → ErrTimedOut
//	teardown   CancelAll   → *ClosedError
//	write      Send fails  → *ClosedError wrapping the write error
//
// Sinks are invoked outside the table lock, so a sink may call Send again.
package correlator

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/internal/id"
	"duplex-rpc/internal/logging"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
)

// DefaultTimeout applies when Send is given a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// Conn is the part of a connection the correlator writes through.
type Conn interface {
	IsOpen() bool
	Send(data []byte) error
}

// Result is the outcome of one request. Exactly one of Value and Err is meaningful.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Sink receives the outcome of one request, exactly once.
type Sink func(Result)

// PendingRequest is the bookkeeping for one outstanding request.
type PendingRequest struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Deadline  time.Time

	sink  Sink
	timer *time.Timer
}

// PendingInfo is a snapshot of a pending request for diagnostics.
type PendingInfo struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Deadline  time.Time
}

// Config holds the collaborators of a Correlator.
type Config struct {
	Codec   codec.Codec // defaults to JSON
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Correlator struct {
	conn    Conn
	codec   codec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*PendingRequest
	closed  bool
}

func New(conn Conn, cfg Config) *Correlator {
	if cfg.Codec == nil {
		cfg.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	return &Correlator{
		conn:    conn,
		codec:   cfg.Codec,
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		pending: make(map[string]*PendingRequest),
	}
}

// Send writes a request for method and returns its correlation id. The outcome is
// delivered to sink, which may be nil when the caller does not care.
//
// If the connection is not open, Send returns ErrConnectionNotOpen after delivering the
// same error to sink; nothing is written and no timer is armed. If the write fails the
// request is resolved with a *ClosedError, which is also returned.
func (c *Correlator) Send(method string, params any, timeout time.Duration, sink Sink) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	if c.closed || !c.conn.IsOpen() {
		c.mu.Unlock()
		c.metrics.RequestResolved(metrics.OutcomeNotOpen, 0)
		deliver(sink, Result{Err: ErrConnectionNotOpen})
		return "", ErrConnectionNotOpen
	}

	reqID := id.Unique(func(s string) bool {
		_, taken := c.pending[s]
		return taken
	})
	data, err := codec.EncodeRequest(c.codec, reqID, method, params)
	if err != nil {
		c.mu.Unlock()
		c.metrics.RequestResolved(metrics.OutcomeSendFailed, 0)
		deliver(sink, Result{Err: err})
		return "", err
	}

	now := time.Now()
	p := &PendingRequest{
		ID:        reqID,
		Method:    method,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		sink:      sink,
	}
	// Registered before the write so a fast reply always finds its entry.
	c.pending[reqID] = p
	p.timer = time.AfterFunc(timeout, func() { c.expire(reqID) })
	c.mu.Unlock()

	c.metrics.RequestSent(method)
	c.logger.Debug("request sent", "id", reqID, "method", method, "timeout", timeout)

	if err := c.conn.Send(data); err != nil {
		closedErr := &ClosedError{Reason: err}
		c.resolve(reqID, Result{Err: closedErr}, metrics.OutcomeSendFailed)
		return reqID, closedErr
	}
	return reqID, nil
}

// OnEnvelope resolves the pending request a success or error envelope answers.
// It reports whether an entry was found; late and unknown replies are dropped.
func (c *Correlator) OnEnvelope(env *message.Envelope) bool {
	switch env.Kind {
	case message.KindSuccess:
		return c.resolve(env.ID, Result{Value: env.Result}, metrics.OutcomeSuccess)
	case message.KindError:
		return c.resolve(env.ID, Result{Err: env.Error}, metrics.OutcomeError)
	}
	return false
}

// CancelAll resolves every pending request with a *ClosedError carrying reason and
// refuses further sends. Calling it again has no effect.
func (c *Correlator) CancelAll(reason error) {
	c.mu.Lock()
	c.closed = true
	victims := make([]*PendingRequest, 0, len(c.pending))
	for reqID, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, reqID)
		victims = append(victims, p)
	}
	c.mu.Unlock()

	if len(victims) > 0 {
		c.logger.Debug("cancelling pending requests", "count", len(victims), "error", reason)
	}
	for _, p := range victims {
		c.metrics.RequestResolved(metrics.OutcomeClosed, time.Since(p.CreatedAt))
		deliver(p.sink, Result{Err: &ClosedError{Reason: reason}})
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Outstanding returns the outstanding requests, oldest first.
func (c *Correlator) Outstanding() []PendingInfo {
	c.mu.Lock()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, PendingInfo{ID: p.ID, Method: p.Method, CreatedAt: p.CreatedAt, Deadline: p.Deadline})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Correlator) expire(reqID string) {
	c.mu.Lock()
	p, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Debug("request timed out", "id", reqID, "method", p.Method)
	c.metrics.RequestResolved(metrics.OutcomeTimeout, time.Since(p.CreatedAt))
	deliver(p.sink, Result{Err: ErrTimedOut})
}

func (c *Correlator) resolve(reqID string, res Result, outcome string) bool {
	c.mu.Lock()
	p, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
		p.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.metrics.RequestResolved(outcome, time.Since(p.CreatedAt))
	if p.sink == nil && res.Err != nil {
		c.logger.Debug("discarding failed request outcome", "id", reqID, "method", p.Method, "error", res.Err)
	}
	deliver(p.sink, res)
	return true
}

func deliver(sink Sink, res Result) {
	if sink != nil {
		sink(res)
	}
}
