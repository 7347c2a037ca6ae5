// Package registry tracks the live connections of a server by the identifier the server
// assigned to each of them.
//
// The registry holds lookup references only; an endpoint owns its connection and decides
// when it closes. Admission and removal happen under one lock, so the number of entries
// always equals the number of admitted connections that are Open or Closing.
//
// A Directory, when configured, mirrors the identifiers into a shared store so a fleet of
// servers can find which node holds a given connection.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"duplex-rpc/endpoint"
	"duplex-rpc/internal/id"
	"duplex-rpc/internal/logging"
)

// ErrNotFound is returned when no live connection has the identifier.
var ErrNotFound = errors.New("connection not found")

// directoryTimeout bounds each directory update.
const directoryTimeout = 5 * time.Second

type Config struct {
	// Directory, when set, receives Publish/Withdraw for every admission and removal.
	Directory Directory
	// Advertise is the address published for this server.
	Advertise string
	Logger    *slog.Logger
}

type Registry struct {
	dir       Directory
	advertise string
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*endpoint.Endpoint

	dirMu     sync.Mutex
	dirClosed bool
	updates   chan directoryUpdate
	dirDone   chan struct{}
}

type directoryUpdate struct {
	identifier string
	present    bool
}

func New(cfg Config) *Registry {
	r := &Registry{
		dir:       cfg.Directory,
		advertise: cfg.Advertise,
		logger:    logging.OrNop(cfg.Logger),
		conns:     make(map[string]*endpoint.Endpoint),
	}
	if r.dir != nil {
		r.updates = make(chan directoryUpdate, 1024)
		r.dirDone = make(chan struct{})
		go r.runDirectory()
	}
	return r
}

// Admit assigns ep a fresh identifier, opens it and registers it. The entry is removed
// when ep reaches Closed. The slot is held from this moment on, whether or not the peer
// ever acknowledges its identifier.
func (r *Registry) Admit(ep *endpoint.Endpoint) (string, error) {
	r.mu.Lock()
	identifier := id.Unique(func(s string) bool {
		_, taken := r.conns[s]
		return taken
	})
	ep.SetIdentifier(identifier)
	if err := ep.Open(); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.conns[identifier] = ep
	// Queued under the lock so a racing removal is always applied after it.
	r.publish(identifier)
	r.mu.Unlock()

	// Runs at once if ep already closed.
	ep.OnClose(func(ep *endpoint.Endpoint, _ error) {
		r.remove(identifier, ep)
	})

	r.logger.Debug("connection admitted", "identifier", identifier, "remote", ep.RemoteAddr())
	return identifier, nil
}

// Get returns the live connection with the identifier.
func (r *Registry) Get(identifier string) (*endpoint.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.conns[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return ep, nil
}

// Remove drops the entry for identifier. Removing an absent identifier is a no-op.
func (r *Registry) Remove(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[identifier]; ok {
		delete(r.conns, identifier)
		r.withdraw(identifier)
	}
}

// remove drops ep only if it still owns the slot it was admitted under.
func (r *Registry) remove(identifier string, ep *endpoint.Endpoint) {
	r.mu.Lock()
	owned := r.conns[identifier] == ep
	if owned {
		delete(r.conns, identifier)
		r.withdraw(identifier)
	}
	r.mu.Unlock()
	if owned {
		r.logger.Debug("connection removed", "identifier", identifier)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Identifiers returns the registered identifiers in sorted order.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for identifier := range r.conns {
		ids = append(ids, identifier)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Range calls fn for each registered connection until fn returns false. It iterates over
// a snapshot, so fn may close connections.
func (r *Registry) Range(fn func(identifier string, ep *endpoint.Endpoint) bool) {
	r.mu.RLock()
	snapshot := make(map[string]*endpoint.Endpoint, len(r.conns))
	for identifier, ep := range r.conns {
		snapshot[identifier] = ep
	}
	r.mu.RUnlock()

	for identifier, ep := range snapshot {
		if !fn(identifier, ep) {
			return
		}
	}
}

func (r *Registry) publish(identifier string) {
	r.enqueue(directoryUpdate{identifier: identifier, present: true})
}

func (r *Registry) withdraw(identifier string) {
	r.enqueue(directoryUpdate{identifier: identifier})
}

// enqueue hands an update to the directory worker. Updates are applied in order; when
// the directory falls too far behind, updates are dropped rather than stalling callers.
func (r *Registry) enqueue(u directoryUpdate) {
	if r.dir == nil {
		return
	}
	r.dirMu.Lock()
	defer r.dirMu.Unlock()
	if r.dirClosed {
		return
	}
	select {
	case r.updates <- u:
	default:
		r.logger.Warn("directory update dropped", "identifier", u.identifier, "present", u.present)
	}
}

func (r *Registry) runDirectory() {
	defer close(r.dirDone)
	for u := range r.updates {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		var err error
		if u.present {
			err = r.dir.Publish(ctx, u.identifier, r.advertise)
		} else {
			err = r.dir.Withdraw(ctx, u.identifier)
		}
		cancel()
		if err != nil {
			r.logger.Warn("directory update failed", "identifier", u.identifier, "present", u.present, "error", err)
		}
	}
}

// Close stops the directory worker after it applied the queued updates.
func (r *Registry) Close() {
	if r.dir == nil {
		return
	}
	r.dirMu.Lock()
	if !r.dirClosed {
		r.dirClosed = true
		close(r.updates)
	}
	r.dirMu.Unlock()
	<-r.dirDone
}
