// Package metrics exposes Prometheus collectors for connections, correlated requests
// and liveness probing.
//
// A nil *Metrics is valid and records nothing, so components can take one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes recorded by RequestResolved.
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeTimeout    = "timeout"
	OutcomeClosed     = "closed"
	OutcomeNotOpen    = "not_open"
	OutcomeSendFailed = "send_failed"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "duplex_rpc").
	Namespace string

	// Subsystem distinguishes peers sharing a registry, e.g. "server" or "client".
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	requestsSent      *prometheus.CounterVec
	requestsResolved  *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	requestsInbound   *prometheus.CounterVec
	invalidEnvelopes  prometheus.Counter
	probeTerminations prometheus.Counter
	watchExpirations  prometheus.Counter
	reconnectsTotal   prometheus.Counter
	reconnectFailures prometheus.Counter
}

// New registers the collectors and returns them.
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "duplex_rpc",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Number of connections currently open or closing",
			ConstLabels: config.ConstLabels,
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_total",
			Help:        "Total number of connections opened",
			ConstLabels: config.ConstLabels,
		}),
		requestsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_sent_total",
			Help:        "Total number of requests written to a peer",
			ConstLabels: config.ConstLabels,
		}, []string{"method"}),
		requestsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_resolved_total",
			Help:        "Total number of result sinks invoked, by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from sending a request to its resolution",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		requestsInbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_received_total",
			Help:        "Total number of requests received from a peer",
			ConstLabels: config.ConstLabels,
		}, []string{"method"}),
		invalidEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "invalid_envelopes_total",
			Help:        "Total number of malformed frames dropped",
			ConstLabels: config.ConstLabels,
		}),
		probeTerminations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "probe_terminations_total",
			Help:        "Connections terminated for not answering liveness probes",
			ConstLabels: config.ConstLabels,
		}),
		watchExpirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeat_expirations_total",
			Help:        "Connections closed because no probe arrived within the heartbeat window",
			ConstLabels: config.ConstLabels,
		}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total number of successful reconnections",
			ConstLabels: config.ConstLabels,
		}),
		reconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_failures_total",
			Help:        "Total number of failed reconnection attempts",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ConnectionOpened records a connection entering the open state.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

// ConnectionClosed records a connection reaching the closed state.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// RequestSent records a request written to the peer.
func (m *Metrics) RequestSent(method string) {
	if m == nil {
		return
	}
	m.requestsSent.WithLabelValues(method).Inc()
}

// RequestResolved records a result sink invocation.
func (m *Metrics) RequestResolved(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsResolved.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.requestDuration.Observe(elapsed.Seconds())
	}
}

// RequestReceived records a request forwarded to the application handler.
func (m *Metrics) RequestReceived(method string) {
	if m == nil {
		return
	}
	m.requestsInbound.WithLabelValues(method).Inc()
}

// InvalidEnvelope records a dropped malformed frame.
func (m *Metrics) InvalidEnvelope() {
	if m == nil {
		return
	}
	m.invalidEnvelopes.Inc()
}

// ProbeTermination records a connection terminated by the prober.
func (m *Metrics) ProbeTermination() {
	if m == nil {
		return
	}
	m.probeTerminations.Inc()
}

// WatchExpired records a connection closed by the heartbeat watcher.
func (m *Metrics) WatchExpired() {
	if m == nil {
		return
	}
	m.watchExpirations.Inc()
}

// Reconnected records a successful reconnection.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// ReconnectFailed records a failed reconnection attempt.
func (m *Metrics) ReconnectFailed() {
	if m == nil {
		return
	}
	m.reconnectFailures.Inc()
}
