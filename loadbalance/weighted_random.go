package loadbalance

import (
	"math/rand/v2"
	"sort"

	"mini-ipc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// weight. A zero weight counts as 1 so servers published without one still get clients.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	candidates, err := eligible(instances)
	if err != nil {
		return nil, err
	}

	// cumulative[i] is the total weight of candidates[0..i]
	cumulative := make([]int, len(candidates))
	total := 0
	for i, inst := range candidates {
		total += max(inst.Weight, 1)
		cumulative[i] = total
	}
	r := rand.IntN(total)
	i := sort.SearchInts(cumulative, r+1)
	return &candidates[i], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
