package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lattice-mesh/lattice/channel"
	"github.com/lattice-mesh/lattice/message"
)

// ErrorHook is invoked whenever a method handler returns an undeclared
// error or panics.
type ErrorHook func(err error, req *message.Message)

// Registry holds every Interface a container hosts, indexed by name, and
// dispatches inbound requests against their bound methods. It satisfies
// rpc.Dispatcher.
type Registry struct {
	mu         sync.RWMutex
	interfaces map[string]*Interface
	errorHook  ErrorHook
}

// NewRegistry returns an empty interface registry.
func NewRegistry() *Registry {
	return &Registry{interfaces: make(map[string]*Interface)}
}

// OnError installs the callback reporting undeclared handler errors.
func (r *Registry) OnError(hook ErrorHook) { r.errorHook = hook }

// Register adds iface, keyed by its Name.
func (r *Registry) Register(iface *Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.interfaces[iface.Name]; exists {
		return fmt.Errorf("interfaces: %q already registered", iface.Name)
	}
	r.interfaces[iface.Name] = iface
	return nil
}

// Interfaces returns a snapshot of every registered interface, used by
// inspect and by the container to drive registration and subscription.
func (r *Registry) Interfaces() []*Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Interface, 0, len(r.interfaces))
	for _, iface := range r.interfaces {
		out = append(out, iface)
	}
	return out
}

func (r *Registry) lookup(subject string) (*Interface, *Method, bool) {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return nil, nil, false
	}
	name, method := subject[:idx], subject[idx+1:]
	r.mu.RLock()
	iface, ok := r.interfaces[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	m, ok := iface.Method(method)
	if !ok {
		return iface, nil, false
	}
	return iface, m, true
}

// Dispatch implements rpc.Dispatcher: it resolves "interface.method",
// binds parameters from the request body, invokes the method, and turns
// the result into a reply. Unknown interfaces or methods surface as
// NACK, matching the "unknown interfaces or methods yield NACK" rule.
func (r *Registry) Dispatch(ctx context.Context, req *message.Message, reply *channel.ReplyChannel) {
	_, method, ok := r.lookup(req.Subject)
	if !ok {
		reply.Nack(false)
		return
	}

	params, err := bindParams(method.Params, req.Body())
	if err != nil {
		reply.Nack(false)
		return
	}

	if method.Kind == RawRPC {
		method.Raw(ctx, req, reply, params)
		return
	}

	result, err := r.invoke(method, ctx, params)
	if err != nil {
		if kind, ok := declaredError(method, err); ok {
			reply.Error(kind, err.Error())
		} else {
			reply.Nack(true)
			if r.errorHook != nil {
				r.errorHook(err, req)
			}
		}
		return
	}
	reply.Reply(result)
}

func (r *Registry) invoke(method *Method, ctx context.Context, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("interfaces: handler panic: %v", rec)
		}
	}()
	return method.Func(ctx, params)
}

// declaredError reports whether err matches one of method's declared
// error sentinels, and if so under which wire kind name.
func declaredError(method *Method, err error) (kind string, ok bool) {
	for sentinel, k := range method.Errors {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return "", false
}
