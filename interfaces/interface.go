package interfaces

import (
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"

	"github.com/lattice-mesh/lattice/events"
)

// Interface is a named bundle of RPC methods and event handlers hosted
// by a container.
type Interface struct {
	Name    string
	Version *semver.Version
	Builtin bool // meta-interfaces are hosted but never advertised via discovery

	mu            sync.Mutex
	methods       map[string]*Method
	eventHandlers []*events.Handler
}

// NewInterface returns an empty interface named name.
func NewInterface(name string, version *semver.Version) *Interface {
	return &Interface{Name: name, Version: version, methods: make(map[string]*Method)}
}

// AddMethod registers m under its own Name, reachable as
// "<iface.Name>.<m.Name>".
func (i *Interface) AddMethod(m *Method) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.methods[m.Name]; exists {
		return fmt.Errorf("interfaces: %s already has method %q", i.Name, m.Name)
	}
	i.methods[m.Name] = m
	return nil
}

// Method looks up a bound method by name.
func (i *Interface) Method(name string) (*Method, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.methods[name]
	return m, ok
}

// Methods returns a snapshot of every bound method, used by the
// meta-interface's inspect method.
func (i *Interface) Methods() []*Method {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Method, 0, len(i.methods))
	for _, m := range i.methods {
		out = append(out, m)
	}
	return out
}

// AddEventHandler records h as one of this interface's event
// subscriptions, so the container can subscribe it to an events.System
// at start and unsubscribe at stop.
func (i *Interface) AddEventHandler(h *events.Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.eventHandlers = append(i.eventHandlers, h)
}

// EventHandlers returns a snapshot of this interface's event handlers.
func (i *Interface) EventHandlers() []*events.Handler {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*events.Handler(nil), i.eventHandlers...)
}
