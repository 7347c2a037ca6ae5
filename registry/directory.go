package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Presence records which server holds a connection.
type Presence struct {
	Identifier string    `json:"identifier"`
	Addr       string    `json:"addr"`
	Since      time.Time `json:"since"`
}

// Directory is a shared store of connection presence.
type Directory interface {
	Publish(ctx context.Context, identifier, addr string) error
	Withdraw(ctx context.Context, identifier string) error
	// Lookup returns ErrNotFound when nobody published identifier.
	Lookup(ctx context.Context, identifier string) (Presence, error)
	List(ctx context.Context) ([]Presence, error)
}

// MemoryDirectory is a Directory for a single process.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]Presence
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]Presence)}
}

func (d *MemoryDirectory) Publish(_ context.Context, identifier, addr string) error {
	d.mu.Lock()
	d.entries[identifier] = Presence{Identifier: identifier, Addr: addr, Since: time.Now()}
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Withdraw(_ context.Context, identifier string) error {
	d.mu.Lock()
	delete(d.entries, identifier)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, identifier string) (Presence, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.entries[identifier]
	if !ok {
		return Presence{}, ErrNotFound
	}
	return p, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]Presence, error) {
	d.mu.RLock()
	out := make([]Presence, 0, len(d.entries))
	for _, p := range d.entries {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sortPresence(out)
	return out, nil
}

func sortPresence(ps []Presence) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Identifier < ps[j].Identifier })
}
