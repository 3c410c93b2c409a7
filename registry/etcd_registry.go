package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key this package writes.
const KeyPrefix = "/mini-ipc/"

// EtcdRegistry implements Registry on etcd v3.
//
//	Key:   /mini-ipc/{name}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease: if the server dies, the lease expires and the
// entry disappears with it.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.L()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger.Named("registry"), leases: make(map[string]clientv3.LeaseID)}, nil
}

func instanceKey(name, addr string) string {
	return KeyPrefix + name + "/" + addr
}

// Register grants a lease, then creates the key only if it does not exist yet.
func (r *EtcdRegistry) Register(ctx context.Context, name string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	key := instanceKey(name, instance.Addr)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		r.client.Revoke(context.Background(), lease.ID)
		return err
	}
	if !resp.Succeeded {
		r.client.Revoke(context.Background(), lease.ID)
		return ErrAlreadyRegistered
	}

	// KeepAlive outlives the caller's ctx; Deregister revokes the lease to stop it.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	r.logger.Info("registered", zap.String("name", name), zap.String("addr", instance.Addr))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	key := instanceKey(name, addr)
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return err
		}
	}
	return nil
}

// Discover returns every live instance published under name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under name.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, KeyPrefix+name+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client. Leases still held expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
