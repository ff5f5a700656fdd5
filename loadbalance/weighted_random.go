package loadbalance

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/lattice-mesh/lattice/service"
)

// WeightedRandomBalancer selects instances probabilistically based on
// their "weight" metadata key (parsed as an integer; missing or
// unparsable defaults to 1). An instance with weight 10 gets roughly 2x
// the traffic of one with weight 5.
//
// Best for: heterogeneous instances (e.g., some servers have more CPU/memory).
type WeightedRandomBalancer struct{}

func instanceWeight(inst *service.ServiceInstance) int {
	raw, ok := inst.Metadata["weight"]
	if !ok {
		return 1
	}
	w, err := strconv.Atoi(raw)
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

func (b *WeightedRandomBalancer) Pick(instances []*service.ServiceInstance) (*service.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("loadbalance: no instances available")
	}

	totalWeight := 0
	for _, inst := range instances {
		totalWeight += instanceWeight(inst)
	}

	r := rand.Intn(totalWeight)
	for _, inst := range instances {
		r -= instanceWeight(inst)
		if r < 0 {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("loadbalance: unexpected fallthrough in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
