package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes dials evenly across all targets in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64 // incremented on each Pick()
}

// Pick selects the next target in round-robin order, starting with the first.
func (b *RoundRobinBalancer) Pick(targets []Target) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}
	index := (b.counter.Add(1) - 1) % int64(len(targets))
	return targets[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
