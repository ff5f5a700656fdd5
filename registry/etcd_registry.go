// Package registry provides the etcd-backed implementation of Registry.
//
// etcd gives us a consistent, watchable key-value store to use as a shared
// phonebook:
//
//	Key:   {namespace}/{serviceName}/{identity}
//	Value: JSON-encoded Instance
//
// Registration is lease-based: if the registering process dies without
// calling Deregister, the lease lapses and etcd removes the entry on its
// own, so a crashed instance can't linger as a ghost in the registry.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coreos/go-semver/semver"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/service"
)

const defaultNamespace = "/lattice"

// Option configures an EtcdRegistry at construction time.
type Option func(*EtcdRegistry)

// WithNamespace overrides the default "/lattice" key prefix all registry
// entries live under. Useful to isolate multiple environments (staging,
// per-developer sandboxes) sharing one etcd cluster.
func WithNamespace(ns string) Option {
	return func(r *EtcdRegistry) { r.namespace = ns }
}

// WithLogger overrides the default no-op logger used for watch/reconcile
// errors.
func WithLogger(logger *zap.Logger) Option {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client    *clientv3.Client
	namespace string
	logger    *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...Option) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	r := &EtcdRegistry{client: c, namespace: defaultNamespace, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) path(serviceName, identity string) string {
	return r.namespace + "/" + serviceName + "/" + identity
}

func (r *EtcdRegistry) prefix(serviceName string) string {
	return r.namespace + "/" + serviceName + "/"
}

// Register grants a TTL lease, writes instance under it, and starts a
// background KeepAlive to renew the lease for as long as this process is
// alive. Any stale entry at the same path is deleted first — this guards
// against a fast restart re-registering before etcd has noticed the
// previous lease expired.
func (r *EtcdRegistry) Register(serviceName string, instance Instance, ttl int64) error {
	ctx := context.Background()
	path := r.path(serviceName, instance.Identity)

	_, _ = r.client.Delete(ctx, path)

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, path, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range keepAlive {
		}
	}()
	return nil
}

// Deregister removes a previously registered instance.
func (r *EtcdRegistry) Deregister(serviceName, identity string) error {
	_, err := r.client.Delete(context.Background(), r.path(serviceName, identity))
	return err
}

// Discover returns the instances currently registered under serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]Instance, error) {
	resp, err := r.client.Get(context.Background(), r.prefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch resolves serviceName once to seed svc, then keeps svc reconciled
// against etcd in the background: every watch event re-discovers the
// prefix and diffs the result against svc's current instance set, emitting
// only the ADDED/UPDATED/REMOVED changes that actually occurred rather
// than blindly replacing the whole set.
//
// If the underlying etcd watch channel closes — connection lost, context
// cancelled upstream — the loop re-establishes the watch after a short
// delay and re-discovers from scratch, mirroring a ZooKeeper-style client
// re-registering its watches on reconnect.
func (r *EtcdRegistry) Watch(serviceName string, svc *service.Service) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.reconcile(serviceName, svc); err != nil {
		cancel()
		return nil, err
	}

	go r.watchLoop(ctx, serviceName, svc)

	return cancel, nil
}

func (r *EtcdRegistry) watchLoop(ctx context.Context, serviceName string, svc *service.Service) {
	prefix := r.prefix(serviceName)
	for {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if resp.Err() != nil {
				r.logger.Warn("watch error", zap.String("service", serviceName), zap.Error(resp.Err()))
				continue
			}
			if err := r.reconcile(serviceName, svc); err != nil {
				r.logger.Warn("reconcile failed", zap.String("service", serviceName), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		if err := r.reconcile(serviceName, svc); err != nil {
			r.logger.Warn("reconcile after reconnect failed", zap.String("service", serviceName), zap.Error(err))
		}
	}
}

// reconcile fetches the current instance set and diffs it against svc,
// updating additions/changes and removing instances no longer present.
func (r *EtcdRegistry) reconcile(serviceName string, svc *service.Service) error {
	instances, err := r.Discover(serviceName)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		seen[inst.Identity] = true
		version, err := parseVersion(inst.Version)
		if err != nil {
			r.logger.Warn("skipping instance with unparseable version",
				zap.String("service", serviceName), zap.String("identity", inst.Identity),
				zap.String("version", inst.Version), zap.Error(err))
			continue
		}
		svc.Update(inst.Identity, inst.Endpoint, version, inst.Metadata)
	}

	for _, identity := range svc.Identities() {
		if !seen[identity] {
			svc.Remove(identity)
		}
	}
	return nil
}

// parseVersion accepts both a bare "" (unversioned) and a semver string.
func parseVersion(raw string) (*semver.Version, error) {
	if raw == "" {
		return nil, nil
	}
	return semver.NewVersion(raw)
}
