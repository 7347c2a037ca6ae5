package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix under which presence is stored.
const DefaultPrefix = "/duplex-rpc/connections/"

// EtcdDirectory keeps connection presence in etcd:
//
//	Key:   /duplex-rpc/connections/{identifier}
//	Value: JSON-encoded Presence
//
// Every key a server publishes hangs off a single lease that the server keeps alive. If
// the server dies the lease expires and its connections disappear from the directory
// without anybody withdrawing them.
type EtcdDirectory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	ttl    int64 // lease TTL in seconds

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc // stops lease renewal
}

// NewEtcdDirectory connects to the given etcd endpoints. ttl is the lease TTL in seconds.
func NewEtcdDirectory(endpoints []string, ttl int64) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdDirectory{client: c, prefix: DefaultPrefix, ttl: ttl}, nil
}

// lease returns the server's lease, granting it and starting renewal on first use.
func (d *EtcdDirectory) lease(ctx context.Context) (clientv3.LeaseID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leaseID != clientv3.NoLease {
		return d.leaseID, nil
	}

	grant, err := d.client.Grant(ctx, d.ttl)
	if err != nil {
		return clientv3.NoLease, err
	}

	// KeepAlive outlives the request context, so it gets its own.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return clientv3.NoLease, err
	}
	go func() {
		for range ch {
		}
		// Renewal stopped: the next Publish grants a fresh lease.
		d.mu.Lock()
		if d.leaseID == grant.ID {
			d.leaseID = clientv3.NoLease
		}
		d.mu.Unlock()
	}()

	d.leaseID = grant.ID
	d.cancel = cancel
	return grant.ID, nil
}

func (d *EtcdDirectory) Publish(ctx context.Context, identifier, addr string) error {
	leaseID, err := d.lease(ctx)
	if err != nil {
		return fmt.Errorf("etcd lease: %w", err)
	}
	val, err := json.Marshal(Presence{Identifier: identifier, Addr: addr, Since: time.Now()})
	if err != nil {
		return err
	}
	_, err = d.client.Put(ctx, d.prefix+identifier, string(val), clientv3.WithLease(leaseID))
	return err
}

func (d *EtcdDirectory) Withdraw(ctx context.Context, identifier string) error {
	_, err := d.client.Delete(ctx, d.prefix+identifier)
	return err
}

func (d *EtcdDirectory) Lookup(ctx context.Context, identifier string) (Presence, error) {
	resp, err := d.client.Get(ctx, d.prefix+identifier)
	if err != nil {
		return Presence{}, err
	}
	if len(resp.Kvs) == 0 {
		return Presence{}, ErrNotFound
	}
	var p Presence
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return Presence{}, fmt.Errorf("decoding presence of %s: %w", identifier, err)
	}
	return p, nil
}

// List returns every published connection, skipping malformed entries.
func (d *EtcdDirectory) List(ctx context.Context) ([]Presence, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]Presence, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Presence
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sortPresence(out)
	return out, nil
}

// Watch emits the full presence list whenever anything under the prefix changes, until
// ctx is done.
func (d *EtcdDirectory) Watch(ctx context.Context) <-chan []Presence {
	ch := make(chan []Presence, 1)
	go func() {
		defer close(ch)
		for range d.client.Watch(ctx, d.prefix, clientv3.WithPrefix()) {
			// Re-fetching is simpler than applying individual events.
			list, err := d.List(ctx)
			if err != nil {
				continue
			}
			select {
			case ch <- list:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes the lease, removing everything this directory published, and closes
// the client.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	leaseID, cancel := d.leaseID, d.cancel
	d.leaseID, d.cancel = clientv3.NoLease, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if leaseID != clientv3.NoLease {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		d.client.Revoke(ctx, leaseID)
		done()
	}
	return d.client.Close()
}
