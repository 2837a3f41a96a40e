// Package loadbalance provides load balancing strategies for picking among
// the replicas a discovery.Directory reports for one logical service name.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful services requiring cache affinity
package loadbalance

import "github.com/cout/romp/discovery"

// Balancer is the interface for load balancing strategies. A client calls
// Pick before every Dial to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call — must be goroutine-safe.
	Pick(instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
