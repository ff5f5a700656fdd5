// Package loadbalance provides instance-selection strategies layered on
// top of a service.Service's live view, used when a caller wants more
// control than Service.Connect's "random among the alive" default.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import "github.com/lattice-mesh/lattice/service"

// Balancer selects one instance from a snapshot of a service's live
// instances. Called on every RPC dispatch — implementations must be
// goroutine-safe.
type Balancer interface {
	// Pick selects one instance from the available list.
	Pick(instances []*service.ServiceInstance) (*service.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
