// Package client connects to a duplex server and keeps the connection up.
//
// The client owns its subscriptions (OnOpen, request handlers) rather than the endpoint,
// so they survive reconnects: every replacement endpoint is wired to the same handlers and
// consumers see one continuous stream of events.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/config"
	"duplex-rpc/correlator"
	"duplex-rpc/endpoint"
	"duplex-rpc/internal/logging"
	"duplex-rpc/loadbalance"
	"duplex-rpc/metrics"
	"duplex-rpc/middleware"
	"duplex-rpc/service"
	"duplex-rpc/transport"
)

var (
	// ErrClientClosed is returned once Close was called.
	ErrClientClosed = errors.New("client closed")
	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("client already connected")
)

const dialTimeout = 10 * time.Second

// DialFunc opens a transport to the server.
type DialFunc func(ctx context.Context) (transport.Transport, error)

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHandler replaces the service mux as the handler of requests sent by the server.
func WithHandler(h middleware.HandlerFunc) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// WithOnOpen is called every time a connection opens, including after a reconnect.
func WithOnOpen(fn func()) Option {
	return func(c *Client) {
		c.onOpen = fn
	}
}

// WithOnAssigned is called when the server assigns this client its identifier.
func WithOnAssigned(fn func(identifier string)) Option {
	return func(c *Client) {
		c.onAssigned = fn
	}
}

// WithDialer overrides how the client reaches the server.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithBalancer chooses among the configured servers on every dial instead of the
// configured Balance strategy.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) {
		c.balancer = b
	}
}

// WithRetry makes Call retry timed out or unsent requests up to maxRetries times,
// waiting baseDelay, 2*baseDelay, 4*baseDelay... in between.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = baseDelay
	}
}

type Client struct {
	cfg      *config.Config
	codec    codec.Codec
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dial     DialFunc
	balancer loadbalance.Balancer

	mux        *service.Mux
	handler    middleware.HandlerFunc
	onOpen     func()
	onAssigned func(identifier string)

	maxRetries int
	retryDelay time.Duration

	mu     sync.Mutex
	ep     *endpoint.Endpoint
	gen    uint64 // bumped per attached endpoint; closures of older ones are ignored
	timer  *time.Timer
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a client from cfg (config.Default() when nil). It does not connect.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:   cfg,
		codec: codec.GetCodec(cfg.CodecType()),
		mux:   service.NewMux(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	if c.balancer == nil {
		b, err := loadbalance.New(cfg.Balance, cfg.BalanceKey)
		if err != nil {
			return nil, err
		}
		c.balancer = b
	}
	if c.dial == nil {
		c.dial = c.dialConfigured
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Register exposes the exported methods of rcvr to the server as "Type.Method".
func (c *Client) Register(rcvr any) error {
	return c.mux.Register(rcvr)
}

// Handle routes requests for method to h.
func (c *Client) Handle(method string, h middleware.HandlerFunc) {
	c.mux.Handle(method, h)
}

func (c *Client) dialConfigured(ctx context.Context) (transport.Transport, error) {
	target, err := c.balancer.Pick(c.cfg.Targets())
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if c.cfg.TLSEnabled() {
		tlsConfig = transport.ClientTLS(c.cfg.TLSDomain, c.cfg.TLSInsecureSkipVerify)
	}
	c.logger.Debug("dialing", "addr", target.Addr, "balancer", c.balancer.Name())
	if c.cfg.Transport == config.TransportTCP {
		return transport.DialTCP(ctx, target.Addr, tlsConfig)
	}
	return transport.DialWebSocket(ctx, c.cfg.URLFor(target.Addr), tlsConfig, c.codec.Type() == codec.CodecTypeBinary)
}

// Connect dials the server. A failure here is returned as is; only connections that
// were once established are re-dialed automatically.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.ep != nil:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	gen := c.gen
	c.mu.Unlock()

	tr, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return c.attach(tr, gen)
}

// attach wires tr into a new endpoint, provided no other endpoint was attached since
// generation gen was observed.
func (c *Client) attach(tr transport.Transport, gen uint64) error {
	ep := endpoint.New(tr, endpoint.Config{
		Codec:          c.codec,
		Logger:         c.logger,
		Metrics:        c.metrics,
		RequestTimeout: c.cfg.RequestTimeout,
		WatchWindow:    c.cfg.HeartbeatWindow,
		OnRequest:      c.dispatch,

		AcceptAssignment: true,
		OnAssigned:       c.onAssigned,
	})

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		tr.Terminate()
		if c.closed {
			return ErrClientClosed
		}
		return ErrAlreadyConnected
	}
	c.gen++
	gen = c.gen
	c.ep = ep
	c.mu.Unlock()

	ep.OnClose(func(_ *endpoint.Endpoint, err error) {
		c.lost(gen, err)
	})
	if err := ep.Open(); err != nil {
		return err
	}
	c.logger.Info("connected", "remote", ep.RemoteAddr())
	if c.onOpen != nil {
		c.onOpen()
	}
	return nil
}

func (c *Client) dispatch(in *endpoint.Inbound) {
	h := c.handler
	if h == nil {
		h = c.mux.Serve
	}
	go middleware.RecoverMiddleware(c.logger)(h)(c.ctx, in)
}

func (c *Client) active() *endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep
}

// SendRequest sends a request with the configured RequestTimeout.
func (c *Client) SendRequest(method string, params any, sink correlator.Sink) (string, error) {
	return c.SendRequestTimeout(method, params, c.cfg.RequestTimeout, sink)
}

// SendRequestTimeout sends a request whose outcome reaches sink within timeout. While
// no connection is open sink receives correlator.ErrConnectionNotOpen at once.
func (c *Client) SendRequestTimeout(method string, params any, timeout time.Duration, sink correlator.Sink) (string, error) {
	ep := c.active()
	if ep == nil {
		if sink != nil {
			sink(correlator.Result{Err: correlator.ErrConnectionNotOpen})
		}
		return "", correlator.ErrConnectionNotOpen
	}
	return ep.Call(method, params, timeout, sink)
}

// Call sends a request and waits for the reply, decoding the result into reply when it
// is non-nil. Timed out and unsent requests are retried as configured by WithRetry.
func (c *Client) Call(ctx context.Context, method string, params, reply any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.call(ctx, method, params, reply)
		if err == nil || attempt >= c.maxRetries || !retryable(err) {
			return err
		}

		delay := c.retryDelay * time.Duration(1<<attempt) // exponential backoff
		c.logger.Debug("retrying request", "method", method, "attempt", attempt+1, "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params, reply any) error {
	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	results := make(chan correlator.Result, 1)
	if _, err := c.SendRequestTimeout(method, params, timeout, func(r correlator.Result) {
		results <- r
	}); err != nil {
		return err
	}

	select {
	case r := <-results:
		if r.Err != nil {
			return r.Err
		}
		if reply != nil {
			return json.Unmarshal(r.Value, reply)
		}
		return nil
	case <-ctx.Done():
		// The correlator still resolves the request; its sink writes into the buffer.
		return ctx.Err()
	}
}

func retryable(err error) bool {
	return errors.Is(err, correlator.ErrTimedOut) || errors.Is(err, correlator.ErrConnectionNotOpen)
}

// Identifier is the identifier the server assigned to the current connection.
func (c *Client) Identifier() string {
	if ep := c.active(); ep != nil {
		return ep.Identifier()
	}
	return ""
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	ep := c.active()
	return ep != nil && ep.IsOpen()
}

// Close closes the connection for good; no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ep := c.ep
	c.ep = nil
	c.mu.Unlock()

	c.cancel()
	if ep == nil {
		return nil
	}
	err := ep.Close(nil)
	<-ep.Done()
	return err
}
