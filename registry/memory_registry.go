package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. Leases never expire.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, name string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.services[name]
	if insts == nil {
		insts = make(map[string]ServiceInstance)
		r.services[name] = insts
	}
	if _, ok := insts[instance.Addr]; ok {
		return ErrAlreadyRegistered
	}
	insts[instance.Addr] = instance
	r.notify(name)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, name string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[name], addr)
	r.notify(name)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, name string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(name), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[name]
		for i, w := range ws {
			if w == ch {
				r.watchers[name] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns instances sorted by address; r.mu must be held.
func (r *MemoryRegistry) list(name string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(r.services[name]))
	for _, inst := range r.services[name] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify delivers the latest list, replacing an unread older one; r.mu must be held.
func (r *MemoryRegistry) notify(name string) {
	list := r.list(name)
	for _, ch := range r.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
