package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/cout/romp/discovery"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing affinity — useful for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the
// ring. Without virtual nodes, a few instances might cluster together,
// causing uneven load distribution.
type ConsistentHashBalancer struct {
	replicas int                            // virtual nodes per real instance
	ring     []uint32                       // sorted hash values on the ring
	nodes    map[uint32]*discovery.Instance // hash value -> instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Instance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *discovery.Instance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Endpoint, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the instance responsible for key. It hashes key, then
// binary-searches for the first node >= hash on the ring, wrapping around
// to the first node if the hash is larger than all of them.
//
// Pick takes a string key rather than the instance list, since consistent
// hashing is key-based; it does not implement Balancer directly.
func (b *ConsistentHashBalancer) Pick(key string) (*discovery.Instance, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("loadbalance: no instances available")
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
