// Package config holds the construction options shared by the server, the client and
// the duplexd command. A Config is built from Default, optionally overlaid with a YAML
// file through Load, and checked with Validate.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duplex-rpc/codec"
	"duplex-rpc/internal/logging"
	"duplex-rpc/loadbalance"
)

// Default configuration values.
const (
	DefaultPort              = 8443
	DefaultEndpointPath      = "localhost"
	DefaultRoutePath         = "/"
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 4 * time.Second
	DefaultHeartbeatWindow   = 10 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultEtcdTTL           = 10
)

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

type Config struct {
	// Port is the listen port (server) or target port (client). Zero lets a server pick one.
	Port int `yaml:"port"`

	// EndpointPath is the host or address to listen on or connect to.
	EndpointPath string `yaml:"endpoint_path"`

	// TLSCertificateDirectory and TLSDomain, when both set, make the server load
	// <dir>/<domain>/{privkey.pem,cert.pem,chain.pem} and serve TLS, and make the
	// client dial with TLS.
	TLSCertificateDirectory string `yaml:"tls_certificate_directory"`
	TLSDomain               string `yaml:"tls_domain"`

	// TLSInsecureSkipVerify disables certificate verification on the client.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// Transport is "websocket" (default) or "tcp".
	Transport string `yaml:"transport"`

	// Codec is "json" (default) or "binary". Both peers must agree.
	Codec string `yaml:"codec"`

	// RoutePath is the HTTP path of the WebSocket upgrade.
	RoutePath string `yaml:"route_path"`

	// Servers, when set, replaces EndpointPath/Port on the client with a list of servers
	// to choose from on every dial, using the Balance strategy.
	Servers []ServerConfig `yaml:"servers"`
	// Balance is "round_robin" (default), "weighted_random" or "consistent_hash".
	Balance string `yaml:"balance"`
	// BalanceKey is the key placed on the hash ring by consistent_hash.
	BalanceKey string `yaml:"balance_key"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatWindow   time.Duration `yaml:"heartbeat_window"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// HandlerTimeout, when positive, answers requests whose handler has not replied in time.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Etcd      EtcdConfig      `yaml:"etcd"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	Weight int    `yaml:"weight"`
}

// RateLimitConfig limits inbound requests per server. Zero Rate disables limiting.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	File      string `yaml:"file"`
	AddSource bool   `yaml:"add_source"`
}

type MetricsConfig struct {
	// Addr is where duplexd serves /metrics. Empty disables the endpoint.
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// EtcdConfig enables the connection presence directory when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	TTL       int64    `yaml:"ttl"`
	// Advertise is the address other nodes use to reach this server.
	Advertise string `yaml:"advertise"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		EndpointPath:      DefaultEndpointPath,
		Transport:         TransportWebSocket,
		Codec:             codec.CodecTypeJSON.String(),
		RoutePath:         DefaultRoutePath,
		RequestTimeout:    DefaultRequestTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatWindow:   DefaultHeartbeatWindow,
		ReconnectDelay:    DefaultReconnectDelay,
		ShutdownTimeout:   DefaultShutdownTimeout,
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
		Metrics: MetricsConfig{Namespace: "duplex_rpc"},
		Etcd:    EtcdConfig{TTL: DefaultEtcdTTL},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Transport != TransportWebSocket && c.Transport != TransportTCP {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if !strings.EqualFold(c.Codec, "json") && !strings.EqualFold(c.Codec, "binary") {
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}
	if (c.TLSCertificateDirectory == "") != (c.TLSDomain == "") {
		errs = append(errs, errors.New("tls_certificate_directory and tls_domain must be set together"))
	}
	for name, d := range map[string]time.Duration{
		"request_timeout":    c.RequestTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
		"heartbeat_window":   c.HeartbeatWindow,
		"reconnect_delay":    c.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	for _, srv := range c.Servers {
		if _, _, err := net.SplitHostPort(srv.Addr); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", srv.Addr, err))
		}
	}
	if _, err := loadbalance.New(c.Balance, c.BalanceKey); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit needs a positive burst"))
	}
	return errors.Join(errs...)
}

// TLSEnabled reports whether both TLS options are set.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertificateDirectory != "" && c.TLSDomain != ""
}

// Address is host:port for listening or dialing.
func (c *Config) Address() string {
	return net.JoinHostPort(c.EndpointPath, strconv.Itoa(c.Port))
}

// URL is the WebSocket URL a client dials.
func (c *Config) URL() string {
	return c.URLFor(c.Address())
}

// URLFor is the WebSocket URL of the server at addr.
func (c *Config) URLFor(addr string) string {
	scheme := "ws"
	if c.TLSEnabled() {
		scheme = "wss"
	}
	path := c.RoutePath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + addr + path
}

// Targets lists the servers a client may dial: Servers, or else Address.
func (c *Config) Targets() []loadbalance.Target {
	if len(c.Servers) == 0 {
		return []loadbalance.Target{{Addr: c.Address(), Weight: 1}}
	}
	targets := make([]loadbalance.Target, len(c.Servers))
	for i, srv := range c.Servers {
		targets[i] = loadbalance.Target{Addr: srv.Addr, Weight: srv.Weight}
	}
	return targets
}

// CodecType resolves the Codec option.
func (c *Config) CodecType() codec.CodecType {
	return codec.ParseType(c.Codec)
}

// Logging converts the log options.
func (c LogConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Level)
	cfg.Format = logging.ParseFormat(c.Format)
	cfg.File = c.File
	cfg.AddSource = c.AddSource
	return cfg
}
