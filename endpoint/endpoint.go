// Package endpoint drives one connection: it decodes what the transport delivers,
// routes each envelope, and owns the request correlator and the client-side heartbeat
// watcher of that connection.
//
//	transport read loop
//	      │ bytes
//	      ▼
//	   codec.Decode ──invalid──▶ logged, counted, dropped
//	      │
//	      ├─ success / error ──▶ correlator.OnEnvelope
//	      ├─ request WSK_assignUID ──▶ set identifier, reply "OK" (clients only)
//	      └─ request ──▶ Config.OnRequest(*Inbound)
//
// Entering Closed runs, in order: correlator.CancelAll, watcher stop, then the close
// listeners in registration order. Servers register their prober removal ahead of their
// registry removal so heartbeat teardown always precedes deregistration.
package endpoint

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/correlator"
	"duplex-rpc/heartbeat"
	"duplex-rpc/internal/logging"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
	"duplex-rpc/transport"
)

// CloseListener observes the Closed transition. err is the close reason.
type CloseListener func(ep *Endpoint, err error)

type Config struct {
	Codec   codec.Codec // defaults to JSON
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RequestTimeout bounds Call when no explicit timeout is given.
	RequestTimeout time.Duration

	// WatchWindow, when positive, arms a heartbeat watcher on Open. Clients set it;
	// servers probe instead.
	WatchWindow time.Duration

	// OnRequest receives every inbound request except identifier assignment. It runs on
	// the read loop; long work belongs on another goroutine. When nil, requests are
	// answered with a method-not-found error.
	OnRequest func(in *Inbound)

	// AcceptAssignment lets the peer assign this side its identifier. Only clients set
	// it; a server answers the request with method-not-found.
	AcceptAssignment bool

	// OnAssigned is called after the peer assigned this side an identifier.
	OnAssigned func(identifier string)
}

// Endpoint is one connection as seen by the protocol layer.
type Endpoint struct {
	tr      transport.Transport
	codec   codec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	conn Connection
	corr *correlator.Correlator

	watchMu sync.Mutex
	watcher *heartbeat.Watcher

	listenMu  sync.Mutex
	listeners []CloseListener
	listened  bool

	finishOnce sync.Once
	done       chan struct{}
}

func New(tr transport.Transport, cfg Config) *Endpoint {
	if cfg.Codec == nil {
		cfg.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = correlator.DefaultTimeout
	}
	ep := &Endpoint{
		tr:      tr,
		codec:   cfg.Codec,
		logger:  logging.OrNop(cfg.Logger).With("remote", tr.RemoteAddr()),
		metrics: cfg.Metrics,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	ep.corr = correlator.New(ep, correlator.Config{Codec: cfg.Codec, Logger: ep.logger, Metrics: cfg.Metrics})
	return ep
}

// OnClose registers a listener for the Closed transition. A listener added after the
// endpoint closed runs immediately with the recorded reason.
func (e *Endpoint) OnClose(fn CloseListener) {
	e.listenMu.Lock()
	if !e.listened {
		e.listeners = append(e.listeners, fn)
		e.listenMu.Unlock()
		return
	}
	e.listenMu.Unlock()
	fn(e, e.conn.Reason())
}

// Open moves the endpoint from Connecting to Open and starts reading.
func (e *Endpoint) Open() error {
	if !e.conn.open() {
		return ErrNotConnecting
	}
	e.metrics.ConnectionOpened()

	if e.cfg.WatchWindow > 0 {
		e.watchMu.Lock()
		e.watcher = heartbeat.NewWatcher(e.cfg.WatchWindow, e.watchExpired)
		e.watchMu.Unlock()
	}
	e.tr.Start(handler{e})
	e.logger.Debug("connection open")
	return nil
}

// Close begins an orderly close. Pending requests resolve with reason (or
// ErrClosedLocally) once the transport confirms the closure.
func (e *Endpoint) Close(reason error) error {
	if reason == nil {
		reason = ErrClosedLocally
	}
	prev := e.conn.State()
	if !e.conn.closing(reason) {
		return nil
	}
	err := e.tr.Close()
	if prev == StateConnecting {
		// Nothing is reading, so nobody else will report the closure.
		e.finish(nil)
	}
	return err
}

// Terminate drops the connection without a closing handshake.
func (e *Endpoint) Terminate() {
	e.terminate(ErrTerminated)
}

func (e *Endpoint) terminate(reason error) {
	prev := e.conn.State()
	e.conn.closing(reason)
	e.tr.Terminate()
	if prev == StateConnecting {
		e.finish(nil)
	}
}

// Done is closed once the endpoint reached Closed and every listener ran.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Call sends a request and delivers its outcome to sink. A non-positive timeout uses
// Config.RequestTimeout.
func (e *Endpoint) Call(method string, params any, timeout time.Duration, sink correlator.Sink) (string, error) {
	if timeout <= 0 {
		timeout = e.cfg.RequestTimeout
	}
	return e.corr.Send(method, params, timeout, sink)
}

// Reply answers the request with correlation id reqID.
func (e *Endpoint) Reply(reqID string, result any) error {
	data, err := codec.EncodeSuccess(e.codec, reqID, result)
	if err != nil {
		return err
	}
	return e.write(data)
}

// ReplyError answers the request with correlation id reqID with an error envelope.
func (e *Endpoint) ReplyError(reqID string, code int, msg string) error {
	data, err := codec.EncodeError(e.codec, reqID, code, msg)
	if err != nil {
		return err
	}
	return e.write(data)
}

func (e *Endpoint) write(data []byte) error {
	if !e.IsOpen() {
		return correlator.ErrConnectionNotOpen
	}
	return e.tr.Send(data)
}

// IsOpen reports whether the endpoint is in the Open state.
func (e *Endpoint) IsOpen() bool {
	return e.conn.State() == StateOpen
}

// Send writes one encoded frame.
func (e *Endpoint) Send(data []byte) error {
	return e.tr.Send(data)
}

func (e *Endpoint) SetIdentifier(identifier string) {
	e.conn.setIdentifier(identifier)
}

func (e *Endpoint) Identifier() string {
	return e.conn.Identifier()
}

func (e *Endpoint) State() State {
	return e.conn.State()
}

// Connection exposes the connection record.
func (e *Endpoint) Connection() *Connection {
	return &e.conn
}

func (e *Endpoint) RemoteAddr() string {
	return e.tr.RemoteAddr()
}

// Pending returns the number of requests awaiting a reply.
func (e *Endpoint) Pending() int {
	return e.corr.Pending()
}

// Outstanding lists the requests awaiting a reply, oldest first.
func (e *Endpoint) Outstanding() []correlator.PendingInfo {
	return e.corr.Outstanding()
}

// Alive, MarkProbed, Ping and String let a heartbeat.Prober monitor the endpoint.

func (e *Endpoint) Alive() bool {
	return e.conn.Alive()
}

func (e *Endpoint) MarkProbed(at time.Time) {
	e.conn.markProbed(at)
}

func (e *Endpoint) Ping() error {
	return e.tr.Ping()
}

func (e *Endpoint) String() string {
	if id := e.conn.Identifier(); id != "" {
		return id
	}
	return e.tr.RemoteAddr()
}

func (e *Endpoint) watchExpired() {
	e.metrics.WatchExpired()
	e.logger.Warn("heartbeat window elapsed without a probe", "window", e.cfg.WatchWindow)
	e.terminate(ErrHeartbeatExpired)
}

func (e *Endpoint) resetWatch() {
	e.watchMu.Lock()
	w := e.watcher
	e.watchMu.Unlock()
	if w != nil {
		w.Reset()
	}
}

func (e *Endpoint) dispatch(data []byte) {
	e.resetWatch()

	env := e.codec.Decode(data)
	switch env.Kind {
	case message.KindInvalid:
		e.metrics.InvalidEnvelope()
		e.logger.Warn("dropping invalid envelope", "identifier", e.Identifier(), "reason", env.Reason, "size", len(env.Raw))

	case message.KindSuccess, message.KindError:
		if !e.corr.OnEnvelope(env) {
			e.logger.Debug("dropping reply with no pending request", "id", env.ID, "kind", env.Kind)
		}

	case message.KindRequest:
		if env.Method == message.MethodAssignIdentifier {
			e.assign(env)
			return
		}
		e.metrics.RequestReceived(env.Method)
		in := NewInbound(e, env)
		if e.cfg.OnRequest == nil {
			in.ReplyError(message.CodeMethodNotFound, "no handler for "+env.Method)
			return
		}
		e.cfg.OnRequest(in)
	}
}

func (e *Endpoint) assign(env *message.Envelope) {
	if !e.cfg.AcceptAssignment {
		e.logger.Warn("refusing identifier assignment from peer", "identifier", e.Identifier(), "id", env.ID)
		e.ReplyError(env.ID, message.CodeMethodNotFound, "identifier assignment is not accepted here")
		return
	}

	var params message.AssignParams
	if err := json.Unmarshal(env.Params, &params); err != nil || params.Token() == "" {
		e.logger.Warn("malformed identifier assignment", "id", env.ID, "error", err)
		e.ReplyError(env.ID, message.CodeInvalidParams, "identifier assignment requires an identifier")
		return
	}

	identifier := params.Token()
	e.conn.setIdentifier(identifier)
	e.logger.Info("identifier assigned", "identifier", identifier)
	if err := e.Reply(env.ID, message.ResultOK); err != nil {
		e.logger.Debug("acknowledging identifier failed", "identifier", identifier, "error", err)
	}
	if e.cfg.OnAssigned != nil {
		e.cfg.OnAssigned(identifier)
	}
}

// finish enters Closed. It runs once, whichever of the transport or Close gets here first.
func (e *Endpoint) finish(transportErr error) {
	e.finishOnce.Do(func() {
		prev, reason := e.conn.closed(transportErr)
		if prev != StateConnecting {
			e.metrics.ConnectionClosed()
		}

		e.corr.CancelAll(reason)

		e.watchMu.Lock()
		if e.watcher != nil {
			e.watcher.Stop()
		}
		e.watchMu.Unlock()

		e.listenMu.Lock()
		listeners := e.listeners
		e.listeners = nil
		e.listened = true
		e.listenMu.Unlock()

		e.logger.Debug("connection closed", "identifier", e.Identifier(), "error", reason)
		for _, fn := range listeners {
			fn(e, reason)
		}
		close(e.done)
	})
}

// handler adapts the endpoint to transport.Handler without exporting the callbacks.
type handler struct {
	e *Endpoint
}

func (h handler) HandleData(data []byte) { h.e.dispatch(data) }

func (h handler) HandlePing() { h.e.resetWatch() }

func (h handler) HandlePong() { h.e.conn.setAlive() }

func (h handler) HandleClose(err error) { h.e.finish(err) }
