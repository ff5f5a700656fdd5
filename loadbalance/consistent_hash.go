package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/lattice-mesh/lattice/service"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The
// same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services.
//
// Each real instance is mapped to 100 virtual nodes on the ring so three
// instances don't cluster together and skew the distribution.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]*service.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes
// per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*service.ServiceInstance),
	}
}

// Add places an instance onto the hash ring, hashing "{endpoint}#{i}" for
// each of its virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *service.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Endpoint, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick finds the instance responsible for key: the first node clockwise
// from key's hash on the ring, wrapping around to the first node if the
// hash exceeds every node on the ring.
//
// Pick takes a string key rather than an instance slice since consistent
// hashing is key-based — it does not implement the Balancer interface.
func (b *ConsistentHashBalancer) Pick(key string) (*service.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("loadbalance: hash ring is empty")
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
