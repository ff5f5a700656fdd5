package container

import (
	"strings"

	"github.com/lattice-mesh/lattice/interfaces"
	"github.com/lattice-mesh/lattice/loadbalance"
	"github.com/lattice-mesh/lattice/service"
)

// Lookup resolves address to a Service view: a bare "host:port" endpoint
// becomes a single fixed instance bypassing discovery entirely, while a
// service name is resolved and kept live through the registry's Watch.
// A "name@1.2.3" address constrains the view to instances compatible
// with the requested version (Service.RequireVersion's semantics);
// Connect fails with NotConnected once no live instance matches. balancer
// may be nil, in which case the view falls back to Service.Connect's
// random-among-alive default.
func (c *Container) Lookup(serviceName string, balancer loadbalance.Balancer) (*service.Service, error) {
	var svc *service.Service
	var err error
	if strings.Contains(serviceName, "://") || strings.Contains(serviceName, ":") {
		svc = service.New(serviceName, c.server)
		svc.Update(serviceName, serviceName, nil, nil)
	} else {
		name, requestedVersion := service.ParseVersionedName(serviceName)
		svc, err = c.discover(name)
		if err != nil {
			return nil, err
		}
		if requestedVersion != nil {
			svc.RequireVersion(requestedVersion)
		}
	}
	if balancer != nil {
		svc.SetBalancer(balancer.Pick)
	}
	return svc, nil
}

func (c *Container) discover(serviceName string) (*service.Service, error) {
	svc := service.New(serviceName, c.server)
	if c.reg == nil {
		return svc, nil
	}
	if _, err := c.reg.Watch(serviceName, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Proxy returns a namespaced Proxy for serviceName, routed through
// Lookup and selecting among live instances with balancer (nil falls
// back to the Service view's default random choice).
func (c *Container) Proxy(serviceName string, balancer loadbalance.Balancer) (*interfaces.Proxy, error) {
	svc, err := c.Lookup(serviceName, balancer)
	if err != nil {
		return nil, err
	}
	return interfaces.NewServiceProxy(c.server, svc, serviceName, 0), nil
}
