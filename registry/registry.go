// Package registry publishes comm server endpoints under a name so clients can find them.
package registry

import (
	"context"
	"errors"
)

// ErrAlreadyRegistered is returned when the instance is already published under the name.
var ErrAlreadyRegistered = errors.New("registry: already registered")

// ServiceInstance is one running comm server.
type ServiceInstance struct {
	Addr    string // call endpoint, e.g. tcp://10.0.0.1:9000
	Control string `json:",omitempty"` // control endpoint, when separate
	Weight  int    // load balancing weight; negative marks a draining server
	Version string `json:",omitempty"`
}

type Registry interface {
	// Register publishes instance under name for as long as the lease (ttl seconds) is
	// kept alive. Publishing an instance that is already live fails with
	// ErrAlreadyRegistered.
	Register(ctx context.Context, name string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, name string) <-chan []ServiceInstance
}
