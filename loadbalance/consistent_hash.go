package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps a fixed client key onto a hash ring of targets, so the
// same client keeps landing on the same server while the server set does not change,
// and only the clients of a removed server move elsewhere.
//
// Each real target is mapped to 100 virtual nodes to spread the ring evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	sig   string            // target set the ring was built from
	ring  []uint32          // sorted hash values on the ring
	nodes map[uint32]Target // hash value → target
}

// NewConsistentHashBalancer creates a balancer that places key on a ring with 100
// virtual nodes per target.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]Target),
	}
}

// Add places a target onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(target Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(target)
	b.sortRing()
}

func (b *ConsistentHashBalancer) add(target Target) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", target.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = target
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick returns the target responsible for the balancer's key among targets. The ring
// is rebuilt whenever the target set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(targets []Target) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(targets); sig != b.sig {
		b.sig = sig
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, t := range targets {
			b.add(t)
		}
		b.sortRing()
	}
	return b.lookup(b.key), nil
}

// PickKey finds the target responsible for key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (Target, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return Target{}, ErrNoTargets
	}
	return b.lookup(key), nil
}

// lookup binary-searches for the first node >= hash(key), wrapping around to the first
// node past the end of the ring. b.mu must be held and the ring non-empty.
func (b *ConsistentHashBalancer) lookup(key string) Target {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(targets []Target) string {
	addrs := make([]string, len(targets))
	for i, t := range targets {
		addrs[i] = t.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
