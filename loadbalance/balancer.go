// Package loadbalance picks one comm server among the instances published under a name.
//
// Three strategies are implemented:
//   - RoundRobin:      spread fresh clients evenly
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  keep a client on the server holding its objects across reconnects
//
// Instances published with a negative weight are draining: they keep serving the
// clients they have but are never picked for new connections.
package loadbalance

import (
	"errors"

	"mini-ipc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick every time it (re)connects through discovery.
type Balancer interface {
	// Pick selects one instance. key identifies the client; only key-based strategies
	// use it. Must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// eligible drops draining instances. The result shares no memory with instances.
func eligible(instances []registry.ServiceInstance) ([]registry.ServiceInstance, error) {
	out := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Weight >= 0 {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoInstances
	}
	return out, nil
}
