// Package loadbalance picks which server a client dials when several are configured.
//
// The client consults its Balancer on every dial, so a reconnect after an unexpected close
// can land on another server. Three strategies are implemented:
//   - RoundRobin:      rotate through the servers, moving on after every dial
//   - WeightedRandom:  heterogeneous servers (different capacity)
//   - ConsistentHash:  a client key always lands on the same server while the set is stable
package loadbalance

import (
	"errors"
	"fmt"
)

// ErrNoTargets is returned by Pick when no server is configured.
var ErrNoTargets = errors.New("no servers available")

// Target is one server a client may dial.
type Target struct {
	Addr   string // host:port
	Weight int    // relative capacity, used by WeightedRandom
}

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one target from the available list.
	// Called on every dial; must be safe for concurrent use.
	Pick(targets []Target) (Target, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Strategy names accepted by New.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// New returns the balancer for strategy. key is only used by consistent hashing.
func New(strategy, key string) (Balancer, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balance strategy %q", strategy)
}
