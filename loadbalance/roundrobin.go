package loadbalance

import (
	"sync/atomic"

	"mini-ipc/registry"
)

// RoundRobinBalancer hands out the eligible instances in turn. Discovery returns them
// sorted by address, so the rotation is stable while the set does not change.
type RoundRobinBalancer struct {
	next atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	candidates, err := eligible(instances)
	if err != nil {
		return nil, err
	}
	turn := b.next.Add(1) - 1
	return &candidates[turn%uint64(len(candidates))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
