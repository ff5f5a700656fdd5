// Package service models a live, observable view of one logical service's
// instances: the registry watcher feeds it ADDED/UPDATED/REMOVED
// reconciliation events, and the RPC layer reads it to pick a live
// instance to route a request to.
package service

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/coreos/go-semver/semver"

	"github.com/lattice-mesh/lattice/connection"
	"github.com/lattice-mesh/lattice/errs"
)

// ChangeKind classifies a Service membership change delivered to an
// Observer.
type ChangeKind int

const (
	Added ChangeKind = iota
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "ADDED"
	case Updated:
		return "UPDATED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Observer is notified of membership changes in a Service, e.g. so a
// load balancer can drop its cached view or a log line can record churn.
type Observer interface {
	OnServiceChange(kind ChangeKind, serviceType string, instance *ServiceInstance)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(kind ChangeKind, serviceType string, instance *ServiceInstance)

func (f ObserverFunc) OnServiceChange(kind ChangeKind, serviceType string, instance *ServiceInstance) {
	f(kind, serviceType, instance)
}

// Connector opens and tears down a transport connection to an endpoint;
// satisfied by rpc.Server.
type Connector interface {
	Connect(endpoint string) *connection.Connection
	Disconnect(endpoint string)
}

// ServiceInstance is one registered endpoint of a service, lazily
// connected on first use.
type ServiceInstance struct {
	Identity string
	Endpoint string
	Version  *semver.Version
	Metadata map[string]string

	mu        sync.Mutex
	connector Connector
	conn      *connection.Connection
}

// Connect returns the instance's connection, opening it via the
// Connector on first call.
func (i *ServiceInstance) Connect() *connection.Connection {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn == nil {
		i.conn = i.connector.Connect(i.Endpoint)
	}
	return i.conn
}

// Disconnect tears down the instance's connection, if any.
func (i *ServiceInstance) Disconnect() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn != nil {
		i.connector.Disconnect(i.Endpoint)
		i.conn = nil
	}
}

// IsAlive reports whether the instance has no connection yet (optimistic)
// or its existing connection is still alive.
func (i *ServiceInstance) IsAlive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn == nil || i.conn.IsAlive()
}

// Service is one logical service's live set of instances, keyed by
// registry identity. Its own lock is separate from any connection table
// or channel table a Server keeps, so a registry watch callback updating
// membership never blocks on RPC dispatch.
type Service struct {
	mu              sync.Mutex
	serviceType     string
	connector       Connector
	instances       map[string]*ServiceInstance
	observers       []Observer
	pick            func([]*ServiceInstance) (*ServiceInstance, error)
	requiredVersion *semver.Version
}

// New returns an empty Service for serviceType, whose instances will
// connect through connector.
func New(serviceType string, connector Connector) *Service {
	return &Service{
		serviceType: serviceType,
		connector:   connector,
		instances:   make(map[string]*ServiceInstance),
	}
}

// ServiceType returns the logical service name this view tracks.
func (s *Service) ServiceType() string { return s.serviceType }

// SetBalancer installs a selection strategy matching
// loadbalance.Balancer's Pick method — Connect routes through it instead
// of its default random-among-alive choice when set. Passing nil
// restores the default.
func (s *Service) SetBalancer(pick func([]*ServiceInstance) (*ServiceInstance, error)) {
	s.mu.Lock()
	s.pick = pick
	s.mu.Unlock()
}

// RequireVersion constrains Connect to instances compatible with
// requested under the same ">=requested,<requested.NextMajor()" rule as
// FilterVersion. A nil requested (the default) matches every instance.
func (s *Service) RequireVersion(requested *semver.Version) {
	s.mu.Lock()
	s.requiredVersion = requested
	s.mu.Unlock()
}

// Observe registers o to be notified of future membership changes.
func (s *Service) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Identities returns the registry identities currently tracked.
func (s *Service) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.instances))
	for id := range s.instances {
		out = append(out, id)
	}
	return out
}

// Len reports the number of tracked instances.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Instances returns a snapshot of all tracked instances, ordered by
// identity.
func (s *Service) Instances() []*ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServiceInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Identity < out[b].Identity })
	return out
}

// Update creates or refreshes the instance registered under identity,
// notifying observers of Added or Updated accordingly.
func (s *Service) Update(identity, endpoint string, version *semver.Version, metadata map[string]string) {
	s.mu.Lock()
	inst, exists := s.instances[identity]
	if exists {
		inst.Endpoint = endpoint
		inst.Version = version
		inst.Metadata = metadata
	} else {
		inst = &ServiceInstance{
			Identity:  identity,
			Endpoint:  endpoint,
			Version:   version,
			Metadata:  metadata,
			connector: s.connector,
		}
		s.instances[identity] = inst
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	kind := Added
	if exists {
		kind = Updated
	}
	for _, o := range observers {
		o.OnServiceChange(kind, s.serviceType, inst)
	}
}

// Remove drops the instance registered under identity, disconnecting it
// and notifying observers of Removed. A no-op if identity isn't tracked.
func (s *Service) Remove(identity string) {
	s.mu.Lock()
	inst, ok := s.instances[identity]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.instances, identity)
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	inst.Disconnect()
	for _, o := range observers {
		o.OnServiceChange(Removed, s.serviceType, inst)
	}
}

// Connect picks a live instance at random and returns its connection. If
// RequireVersion has installed a version constraint, only instances
// satisfying it are eligible. Returns *errs.NotConnected if no tracked
// instance currently reports alive and matches the constraint — a dead
// or version-mismatched instance is never chosen as a fallback.
func (s *Service) Connect() (*connection.Connection, error) {
	s.mu.Lock()
	var alive []*ServiceInstance
	pick := s.pick
	requiredVersion := s.requiredVersion
	for _, inst := range s.instances {
		if inst.IsAlive() {
			alive = append(alive, inst)
		}
	}
	s.mu.Unlock()

	sort.Slice(alive, func(a, b int) bool { return alive[a].Identity < alive[b].Identity })
	alive = filterByVersion(alive, requiredVersion)
	if len(alive) == 0 {
		return nil, &errs.NotConnected{Target: s.serviceType}
	}
	if pick != nil {
		chosen, err := pick(alive)
		if err != nil {
			return nil, err
		}
		return chosen.Connect(), nil
	}
	chosen := alive[rand.Intn(len(alive))]
	return chosen.Connect(), nil
}

// FilterVersion returns the instances compatible with requested under a
// ">=requested,<requested.NextMajor()" constraint (same semantics as
// semantic versioning's caret-range compatibility). A nil requested
// matches every instance, including those with no declared version.
func (s *Service) FilterVersion(requested *semver.Version) []*ServiceInstance {
	return filterByVersion(s.Instances(), requested)
}

func filterByVersion(instances []*ServiceInstance, requested *semver.Version) []*ServiceInstance {
	if requested == nil {
		return instances
	}
	out := make([]*ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Version == nil {
			continue
		}
		if inst.Version.Major == requested.Major && !inst.Version.LessThan(*requested) {
			out = append(out, inst)
		}
	}
	return out
}
