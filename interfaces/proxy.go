package interfaces

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-mesh/lattice/channel"
	"github.com/lattice-mesh/lattice/errs"
	"github.com/lattice-mesh/lattice/service"
)

// DefaultProxyTimeout bounds a ProxyMethod.Call when the proxy wasn't
// built with an explicit timeout.
const DefaultProxyTimeout = 3 * time.Second

// Sender is the subset of rpc.Server a Proxy needs to send a request,
// either through a Service view or directly to a bare endpoint.
type Sender interface {
	Call(ctx context.Context, svc *service.Service, subject string, headers map[string]string, body interface{}) (*channel.RequestChannel, error)
	SendRequest(ctx context.Context, endpoint, subject string, headers map[string]string, body interface{}) (*channel.RequestChannel, error)
}

// Proxy is application code's handle to a remote interface: it turns
// "proxy.Method(name).Call(ctx, params)" into a REQ against either a
// Service view (load-balanced, version-aware) or a fixed endpoint.
type Proxy struct {
	sender    Sender
	svc       *service.Service
	endpoint  string
	namespace string
	timeout   time.Duration
	errorMap  map[string]func(message string) error

	mu      sync.Mutex
	methods map[string]*ProxyMethod
}

// NewServiceProxy returns a Proxy that routes every call through svc,
// namespacing method subjects as "<namespace>.<method>".
func NewServiceProxy(sender Sender, svc *service.Service, namespace string, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	return &Proxy{sender: sender, svc: svc, namespace: namespace, timeout: timeout, methods: make(map[string]*ProxyMethod)}
}

// NewEndpointProxy returns a Proxy that sends every call directly to
// endpoint, bypassing service discovery entirely.
func NewEndpointProxy(sender Sender, endpoint, namespace string, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	return &Proxy{sender: sender, endpoint: endpoint, namespace: namespace, timeout: timeout, methods: make(map[string]*ProxyMethod)}
}

// WithErrorMap installs a mapping from a RemoteError's wire Kind to a
// constructor for a local error to raise instead, so callers can catch
// their own sentinel errors rather than a generic *errs.RemoteError.
func (p *Proxy) WithErrorMap(m map[string]func(message string) error) *Proxy {
	p.errorMap = m
	return p
}

// Method returns the cached ProxyMethod for name, creating it on first
// reference.
func (p *Proxy) Method(name string) *ProxyMethod {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.methods[name]; ok {
		return m
	}
	m := &ProxyMethod{proxy: p, subject: p.namespace + "." + name}
	p.methods[name] = m
	return m
}

// ProxyMethod is one cached, namespaced remote method.
type ProxyMethod struct {
	proxy   *Proxy
	subject string
}

// Call sends params as the request body and blocks for the reply,
// bounded by the proxy's configured timeout.
func (m *ProxyMethod) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return m.proxy.call(ctx, m.subject, params)
}

func (p *Proxy) call(ctx context.Context, subject string, params map[string]interface{}) (interface{}, error) {
	var rc *channel.RequestChannel
	var err error
	if p.svc != nil {
		rc, err = p.sender.Call(ctx, p.svc, subject, nil, params)
	} else {
		rc, err = p.sender.SendRequest(ctx, p.endpoint, subject, nil, params)
	}
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := rc.Get(callCtx)
	if err != nil {
		if remote, ok := err.(*errs.RemoteError); ok {
			if ctor, mapped := p.errorMap[remote.Kind]; mapped {
				return nil, ctor(remote.Message)
			}
		}
		return nil, err
	}
	return reply.Body(), nil
}
