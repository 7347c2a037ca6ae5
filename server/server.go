// Package server accepts duplex connections, assigns each one an identifier and keeps it
// alive with a heartbeat prober.
//
// Connection lifecycle:
//
//	accept (WebSocket upgrade or framed TCP, optionally TLS)
//	  → endpoint.New → registry.Admit (identifier drawn, endpoint Open) → prober.Add
//	  → WSK_assignUID {"identifier"} sent to the peer → OnConnect(identifier)
//	  ...
//	  → Closed: prober.Remove → registry removal → OnDisconnect(identifier, err)
//
// Inbound requests are dispatched on their own goroutine through the middleware chain to
// the service mux, so a slow handler never blocks the read loop of its connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/config"
	"duplex-rpc/correlator"
	"duplex-rpc/endpoint"
	"duplex-rpc/heartbeat"
	"duplex-rpc/internal/logging"
	"duplex-rpc/message"
	"duplex-rpc/metrics"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/service"
	"duplex-rpc/transport"
)

var (
	// ErrServerClosed is returned by Serve and Listen after Shutdown.
	ErrServerClosed = errors.New("server closed")
	// ErrNotListening is returned by Serve before Listen.
	ErrNotListening = errors.New("server is not listening")
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records connection, request and probe metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHandler replaces the service mux as the final inbound request handler.
func WithHandler(h middleware.HandlerFunc) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithDirectory mirrors connection identifiers into d, advertised under addr.
func WithDirectory(d registry.Directory, addr string) Option {
	return func(s *Server) {
		s.directory = d
		s.advertise = addr
	}
}

// WithOnConnect is called once a connection is admitted and its identifier sent.
func WithOnConnect(fn func(identifier string)) Option {
	return func(s *Server) {
		s.onConnect = fn
	}
}

// WithOnDisconnect is called after a connection left the registry.
func WithOnDisconnect(fn func(identifier string, err error)) Option {
	return func(s *Server) {
		s.onDisconnect = fn
	}
}

type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	codec     codec.Codec
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mux          *service.Mux
	handler      middleware.HandlerFunc
	middlewares  []middleware.Middleware
	chain        middleware.HandlerFunc
	directory    registry.Directory
	advertise    string
	onConnect    func(identifier string)
	onDisconnect func(identifier string, err error)

	registry *registry.Registry
	prober   *heartbeat.Prober

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	reqMu    sync.Mutex
	draining bool
	wg       sync.WaitGroup // in-flight inbound requests

	shutdown atomic.Bool
}

// New builds a server from cfg (config.Default() when nil). TLS material is loaded here;
// a server whose certificates cannot be read fails with transport.ErrTransportSetup.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		codec: codec.GetCodec(cfg.CodecType()),
		mux:   service.NewMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)

	if cfg.TLSEnabled() {
		tlsConfig, err := transport.LoadServerTLS(cfg.TLSCertificateDirectory, cfg.TLSDomain)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsConfig
	}

	s.registry = registry.New(registry.Config{
		Directory: s.directory,
		Advertise: s.advertise,
		Logger:    s.logger,
	})
	s.prober = heartbeat.NewProber(cfg.HeartbeatInterval, heartbeat.ProberConfig{
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Register exposes the exported methods of rcvr as "Type.Method".
func (s *Server) Register(rcvr any) error {
	return s.mux.Register(rcvr)
}

// Handle routes method to h.
func (s *Server) Handle(method string, h middleware.HandlerFunc) {
	s.mux.Handle(method, h)
}

// Use registers a middleware. Middlewares are applied in the order they are added,
// inside the built-in recover, logging, rate limit and timeout layers.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the configured address. Port 0 picks a free port; see Addr.
func (s *Server) Listen() error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Shutdown, which makes it return nil.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	s.chain = middleware.Chain(s.builtins()...)(s.final())
	s.prober.Start()
	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"transport", s.cfg.Transport,
		"codec", s.codec.Type().String(),
		"tls", s.tlsConfig != nil,
	)

	var err error
	if s.cfg.Transport == config.TransportTCP {
		err = s.serveTCP(ln)
	} else {
		err = s.serveWebSocket(ln)
	}
	if s.shutdown.Load() {
		return nil
	}
	return err
}

func (s *Server) serveWebSocket(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.RoutePath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.Accept(w, r, s.codec.Type() == codec.CodecTypeBinary)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.admit(ws)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Accept fails once Shutdown closes the listener.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.admit(transport.NewTCP(conn))
	}
}

func (s *Server) builtins() []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(s.logger),
		middleware.LoggingMiddleware(s.logger),
	}
	if rl := s.cfg.RateLimit; rl.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(rl.Rate, rl.Burst))
	}
	if s.cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(s.cfg.HandlerTimeout))
	}
	return append(mws, s.middlewares...)
}

func (s *Server) final() middleware.HandlerFunc {
	if s.handler != nil {
		return s.handler
	}
	return s.mux.Serve
}

// admit registers a freshly accepted transport and hands the peer its identifier.
func (s *Server) admit(tr transport.Transport) {
	if s.shutdown.Load() {
		tr.Terminate()
		return
	}

	ep := endpoint.New(tr, endpoint.Config{
		Codec:          s.codec,
		Logger:         s.logger,
		Metrics:        s.metrics,
		RequestTimeout: s.cfg.RequestTimeout,
		OnRequest:      s.dispatch,
	})
	// Heartbeat teardown runs ahead of the registry's own listener added by Admit.
	ep.OnClose(func(ep *endpoint.Endpoint, _ error) {
		s.prober.Remove(ep)
	})

	identifier, err := s.registry.Admit(ep)
	if err != nil {
		s.logger.Warn("admitting connection failed", "remote", tr.RemoteAddr(), "error", err)
		tr.Terminate()
		return
	}
	s.prober.Add(ep)
	if ep.State() == endpoint.StateClosed {
		s.prober.Remove(ep)
	}

	logger := s.logger.With("identifier", identifier)
	_, err = ep.Call(message.MethodAssignIdentifier, message.AssignParams{Identifier: identifier}, 0,
		func(r correlator.Result) {
			if r.Err != nil {
				logger.Warn("identifier assignment not acknowledged", "error", r.Err)
				return
			}
			logger.Debug("identifier acknowledged")
		})
	if err != nil {
		logger.Debug("connection lost during admission", "error", err)
		return
	}

	logger.Info("connection admitted", "remote", tr.RemoteAddr())
	if s.onConnect != nil {
		s.onConnect(identifier)
	}
	// Registered after onConnect so every disconnect pairs with a connect. A connection
	// that closed in between is reported at once.
	ep.OnClose(func(ep *endpoint.Endpoint, err error) {
		logger.Info("connection closed", "error", err)
		if s.onDisconnect != nil {
			s.onDisconnect(identifier, err)
		}
	})
}

// dispatch runs on the read loop of the connection and hands the request off.
func (s *Server) dispatch(in *endpoint.Inbound) {
	s.reqMu.Lock()
	if s.draining {
		s.reqMu.Unlock()
		in.ReplyError(message.CodeInternalError, "server shutting down")
		return
	}
	s.wg.Add(1)
	s.reqMu.Unlock()

	go func() {
		defer s.wg.Done()
		s.chain(s.ctx, in)
	}()
}

// SendRequest sends a request to the connection with identifier. An unknown identifier
// resolves sink with registry.ErrNotFound.
func (s *Server) SendRequest(identifier, method string, params any, sink correlator.Sink) (string, error) {
	ep, err := s.registry.Get(identifier)
	if err != nil {
		err = fmt.Errorf("%w: %s", err, identifier)
		if sink != nil {
			sink(correlator.Result{Err: err})
		}
		return "", err
	}
	return ep.Call(method, params, 0, sink)
}

// GetConnection returns the live connection with identifier.
func (s *Server) GetConnection(identifier string) (*endpoint.Endpoint, error) {
	return s.registry.Get(identifier)
}

// SendOK answers the peer's request reqID with "OK".
func (s *Server) SendOK(identifier, reqID string) error {
	return s.Reply(identifier, reqID, message.ResultOK)
}

// Reply answers the peer's request reqID with result.
func (s *Server) Reply(identifier, reqID string, result any) error {
	ep, err := s.registry.Get(identifier)
	if err != nil {
		return err
	}
	return ep.Reply(reqID, result)
}

// ReplyError answers the peer's request reqID with an error envelope.
func (s *Server) ReplyError(identifier, reqID string, code int, msg string) error {
	ep, err := s.registry.Get(identifier)
	if err != nil {
		return err
	}
	return ep.ReplyError(reqID, code, msg)
}

// Connections lists the identifiers of the live connections.
func (s *Server) Connections() []string {
	return s.registry.Identifiers()
}

// Shutdown stops accepting, closes every connection and waits up to timeout for the
// connections to close and in-flight handlers to return. A non-positive timeout uses
// the configured ShutdownTimeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}
	// The flag goes first so Serve treats the listener error as intentional.
	if s.shutdown.Swap(true) {
		return nil
	}

	s.mu.Lock()
	ln, srv := s.listener, s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		srv.Close()
	} else if ln != nil {
		ln.Close()
	}
	s.prober.Stop()

	var closing []*endpoint.Endpoint
	s.registry.Range(func(_ string, ep *endpoint.Endpoint) bool {
		closing = append(closing, ep)
		return true
	})
	for _, ep := range closing {
		ep.Close(nil)
	}

	s.reqMu.Lock()
	s.draining = true
	s.reqMu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, ep := range closing {
			<-ep.Done()
		}
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		for _, ep := range closing {
			ep.Terminate()
		}
		err = fmt.Errorf("timeout waiting for connections and ongoing requests to finish")
	}
	s.cancel()
	s.registry.Close()
	s.logger.Info("server stopped", "connections", len(closing))
	return err
}
