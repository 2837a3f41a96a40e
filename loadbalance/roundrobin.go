package loadbalance

import (
	"fmt"
	"sync/atomic"

	"github.com/cout/romp/discovery"
)

// RoundRobinBalancer distributes calls evenly across all instances in
// order. Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter int64 // atomic counter, incremented on each Pick
}

// Pick selects the next instance in round-robin order.
func (b *RoundRobinBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("loadbalance: no instances available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
