// Package registry defines the service discovery interface: how a running
// instance announces itself, and how a caller learns which instances of a
// named service currently exist.
package registry

import "github.com/lattice-mesh/lattice/service"

// Instance is the wire shape of a registration: what gets serialized into
// the registry and read back out by anyone watching.
type Instance struct {
	Identity string            `json:"identity"`
	Endpoint string            `json:"endpoint"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Registry is the interface for service registration and discovery.
// Register/Deregister announce this process's own instance; Discover and
// Watch resolve other services' instances.
type Registry interface {
	// Register announces instance under serviceName with a TTL-based
	// lease. If the registering process dies without calling Deregister,
	// the entry disappears on its own once the lease expires.
	Register(serviceName string, instance Instance, ttl int64) error

	// Deregister removes a previously registered instance. Called during
	// graceful shutdown, before the instance stops accepting traffic.
	Deregister(serviceName, identity string) error

	// Discover returns the instances currently registered under
	// serviceName, as a point-in-time snapshot.
	Discover(serviceName string) ([]Instance, error)

	// Watch keeps svc reconciled against the registry's view of
	// serviceName: every change fires the corresponding ADDED, UPDATED,
	// or REMOVED notification on svc's observers. Watch returns once the
	// initial reconciliation has happened; the background sync keeps
	// running until the returned stop func is called.
	Watch(serviceName string, svc *service.Service) (stop func(), err error)
}
