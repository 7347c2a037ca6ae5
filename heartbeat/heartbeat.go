// Package heartbeat detects dead peers.
//
// The two sides of a connection play different roles:
//
//   - Prober, run by the server for all of its connections, pings each one on a fixed
//     interval. A connection that has not acknowledged the previous ping by the next
//     tick is terminated, so a dead peer is dropped within two intervals.
//   - Watcher, run by the client for its single connection, expects to be probed. Every
//     probe (or any other inbound frame) re-arms its deadline; if the window passes in
//     silence the connection is considered lost.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"duplex-rpc/internal/logging"
	"duplex-rpc/metrics"
)

// Target is a connection monitored by a Prober.
type Target interface {
	// Alive reports whether the previous probe was acknowledged.
	Alive() bool
	// MarkProbed clears the alive flag and records the probe time.
	MarkProbed(at time.Time)
	Ping() error
	// Terminate drops the connection without a closing handshake.
	Terminate()
	// String names the target in logs.
	String() string
}

type ProberConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Prober pings a set of targets on a shared ticker.
type Prober struct {
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	targets map[Target]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewProber(interval time.Duration, cfg ProberConfig) *Prober {
	return &Prober{
		interval: interval,
		logger:   logging.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
		targets:  make(map[Target]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Prober) Add(t Target) {
	p.mu.Lock()
	p.targets[t] = struct{}{}
	p.mu.Unlock()
}

// Remove stops monitoring t. Removing an unknown target is a no-op.
func (p *Prober) Remove(t Target) {
	p.mu.Lock()
	delete(p.targets, t)
	p.mu.Unlock()
}

func (p *Prober) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.targets)
}

// Start launches the ticker goroutine. Subsequent calls do nothing.
func (p *Prober) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// Stop halts probing and waits for an in-progress tick to finish.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	started := true
	p.startOnce.Do(func() { started = false })
	if started {
		<-p.done
	}
}

func (p *Prober) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

func (p *Prober) tick(now time.Time) {
	p.mu.Lock()
	snapshot := make([]Target, 0, len(p.targets))
	for t := range p.targets {
		snapshot = append(snapshot, t)
	}
	p.mu.Unlock()

	for _, t := range snapshot {
		if !t.Alive() {
			p.Remove(t)
			p.metrics.ProbeTermination()
			p.logger.Info("terminating unresponsive connection", "target", t.String())
			t.Terminate()
			continue
		}
		t.MarkProbed(now)
		if err := t.Ping(); err != nil {
			// The next tick terminates it.
			p.logger.Debug("probe failed", "target", t.String(), "error", err)
		}
	}
}

// Watcher fires onExpire when Reset has not been called for a full window.
type Watcher struct {
	window   time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewWatcher returns an armed Watcher.
func NewWatcher(window time.Duration, onExpire func()) *Watcher {
	w := &Watcher{window: window, onExpire: onExpire}
	w.Reset()
	return w
}

// Reset re-arms the deadline. It has no effect once the watcher stopped or expired.
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.window, func() { w.fire(gen) })
}

// Stop disarms the watcher. onExpire is not started after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.onExpire()
}
