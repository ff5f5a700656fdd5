// Package container implements the composition root every running
// process builds once at startup: it wires an rpc.Server, a
// registry.Registry, an events.System, an interfaces.Registry, and a
// metrics.Aggregator together, installs the built-in meta-interface, and
// owns the lifecycle (start, register, stop) that ties them to a single
// trace.Group.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/errs"
	"github.com/lattice-mesh/lattice/events"
	"github.com/lattice-mesh/lattice/interfaces"
	"github.com/lattice-mesh/lattice/message"
	"github.com/lattice-mesh/lattice/metrics"
	"github.com/lattice-mesh/lattice/middleware"
	"github.com/lattice-mesh/lattice/registry"
	"github.com/lattice-mesh/lattice/rpc"
	"github.com/lattice-mesh/lattice/trace"
)

// DefaultRegistrationTTL is the lease length, in seconds, that Start
// passes to Registry.Register when Options.RegistrationTTL is unset.
const DefaultRegistrationTTL = 10

// ErrorHook is invoked on every uncaught request-handling error,
// regardless of whether it originated in the RPC transport or an
// interface method.
type ErrorHook func(err error, req *message.Message)

// Options configures a Container. Every field has a usable zero value
// except ServiceName, which should be set to something meaningful for
// logging and metric tagging.
type Options struct {
	ServiceName         string
	Identity            string // defaults to a random uuid
	RPCOptions          rpc.Options
	RegistrationTTL     int64 // seconds; defaults to DefaultRegistrationTTL
	Logger              *zap.Logger
	MetricsPushInterval time.Duration
	MetricsPublisher    metrics.Publisher // defaults to logging via Logger

	// Middleware wraps every inbound request's dispatch, outermost first
	// (Middleware[0] sees the request before Middleware[1], and the
	// reply after it). Typically middleware.LoggingMiddleware,
	// TimeOutMiddleware and RateLimitMiddleware.
	Middleware []middleware.Middleware
}

// Container is one running process's service identity: it serves RPC
// requests through installed interfaces, registers itself so other
// containers can discover it, and publishes its own health metrics.
type Container struct {
	opts Options

	group       *trace.Group
	logger      *zap.Logger
	server      *rpc.Server
	reg         registry.Registry
	eventSystem events.System
	ifaces      *interfaces.Registry
	aggregator  *metrics.Aggregator
	levels      *levelTable

	serviceName string
	identity    string

	mu                 sync.Mutex
	started            bool
	installedInterfaces []*interfaces.Interface

	errorHooksMu sync.Mutex
	errorHooks   []ErrorHook
}

// New builds a Container bound to endpoint (its own advertised address)
// and wires rpc, registry, events, interfaces and metrics together. The
// container does not start listening or register itself until Start is
// called.
func New(endpoint string, group *trace.Group, reg registry.Registry, eventSystem events.System, opts Options) *Container {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RegistrationTTL <= 0 {
		opts.RegistrationTTL = DefaultRegistrationTTL
	}
	identity := opts.Identity
	if identity == "" {
		identity = uuid.NewString()
	}

	server := rpc.NewServer(endpoint, group, opts.RPCOptions)
	ifaces := interfaces.NewRegistry()
	if len(opts.Middleware) > 0 {
		server.SetDispatcher(middleware.Wrap(middleware.Chain(opts.Middleware...), ifaces))
	} else {
		server.SetDispatcher(ifaces)
	}

	c := &Container{
		opts:        opts,
		group:       group,
		logger:      opts.Logger,
		server:      server,
		reg:         reg,
		eventSystem: eventSystem,
		ifaces:      ifaces,
		levels:      newLevelTable(),
		serviceName: opts.ServiceName,
		identity:    identity,
	}

	c.aggregator = metrics.NewAggregator(map[string]string{
		"service":  opts.ServiceName,
		"identity": identity,
	})
	requests := metrics.NewRequestCounter("rpc_requests")
	c.aggregator.Add(requests)
	server.OnRequest(requests.Hook())
	server.OnError(c.handleError)
	ifaces.OnError(c.handleError)

	publisher := opts.MetricsPublisher
	if publisher == nil {
		publisher = loggingPublisher{logger: c.logger}
	}
	metrics.NewPusher(c.aggregator, publisher, opts.MetricsPushInterval, c.logger).Run(group)

	defaultIface := interfaces.NewDefaultInterface(c, ifaces, c.aggregator, c.levels, group, c.logger)
	defaultIface.Builtin = true
	if err := c.Install(defaultIface); err != nil {
		panic(fmt.Sprintf("container: built-in interface install failed: %v", err))
	}

	return c
}

// Endpoint implements interfaces.ContainerInfo.
func (c *Container) Endpoint() string { return c.server.Endpoint() }

// Identity implements interfaces.ContainerInfo.
func (c *Container) Identity() string { return c.identity }

// Aggregator exposes the metrics aggregator so callers can add their own
// application-level counters before Start.
func (c *Container) Aggregator() *metrics.Aggregator { return c.aggregator }

// Events exposes the event system so application code can Subscribe and
// Emit directly, beyond what interfaces.Interface.EventHandlers wires
// automatically.
func (c *Container) Events() events.System { return c.eventSystem }

// Server exposes the underlying RPC transport, e.g. for a Proxy.
func (c *Container) Server() *rpc.Server { return c.server }

// OnError registers hook to be called on every uncaught request error,
// in addition to the built-in error logging.
func (c *Container) OnError(hook ErrorHook) {
	c.errorHooksMu.Lock()
	c.errorHooks = append(c.errorHooks, hook)
	c.errorHooksMu.Unlock()
}

func (c *Container) handleError(err error, req *message.Message) {
	subject := ""
	if req != nil {
		subject = req.Subject
	}
	c.logger.Error("request error", zap.Error(err), zap.String("subject", subject))
	c.errorHooksMu.Lock()
	hooks := append([]ErrorHook(nil), c.errorHooks...)
	c.errorHooksMu.Unlock()
	for _, hook := range hooks {
		hook(err, req)
	}
}

// Install adds iface to the container: its methods become dispatchable
// and its declared event handlers start consuming immediately. Builtin
// interfaces are installed but never registered with the discovery
// registry.
func (c *Container) Install(iface *interfaces.Interface) error {
	if err := c.ifaces.Register(iface); err != nil {
		return err
	}
	for _, h := range iface.EventHandlers() {
		if !h.Active {
			continue
		}
		if err := c.eventSystemOrNil(h); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.installedInterfaces = append(c.installedInterfaces, iface)
	c.mu.Unlock()
	return nil
}

func (c *Container) eventSystemOrNil(h *events.Handler) error {
	if c.eventSystem == nil {
		return nil
	}
	return c.eventSystem.Subscribe(h, true)
}

// Start begins serving: it binds the RPC listener and, unless register
// is false, announces every non-builtin installed interface to the
// discovery registry.
func (c *Container) Start(network, address string, register bool) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("container: already started")
	}
	c.started = true
	interfacesSnapshot := append([]*interfaces.Interface(nil), c.installedInterfaces...)
	c.mu.Unlock()

	if err := c.server.Listen(network, address); err != nil {
		return err
	}

	c.logger.Info("container started",
		zap.String("service", c.serviceName),
		zap.String("identity", c.identity),
		zap.String("endpoint", c.server.Endpoint()))

	if !register || c.reg == nil {
		return nil
	}
	for _, iface := range interfacesSnapshot {
		if iface.Builtin {
			continue
		}
		instance := registry.Instance{
			Identity: c.identity,
			Endpoint: c.server.Endpoint(),
			Version:  versionString(iface),
		}
		if err := c.reg.Register(iface.Name, instance, c.opts.RegistrationTTL); err != nil {
			return &errs.RegistrationFailure{ServiceName: iface.Name, Cause: err}
		}
	}
	return nil
}

// Stop deregisters every registered interface, then shuts the container's
// trace.Group down, waiting up to grace for in-flight work to finish.
func (c *Container) Stop(grace time.Duration) {
	c.mu.Lock()
	interfacesSnapshot := append([]*interfaces.Interface(nil), c.installedInterfaces...)
	c.mu.Unlock()

	if c.reg != nil {
		for _, iface := range interfacesSnapshot {
			if iface.Builtin {
				continue
			}
			if err := c.reg.Deregister(iface.Name, c.identity); err != nil {
				c.logger.Warn("deregister failed", zap.String("interface", iface.Name), zap.Error(err))
			}
		}
	}
	if err := c.server.Shutdown(grace); err != nil {
		c.logger.Warn("rpc shutdown did not finish cleanly", zap.Error(err))
	}
	c.group.Shutdown(grace)
}

// EmitEvent builds and emits an event sourced from this container's
// identity, stamping a trace id header when the caller didn't provide
// one.
func (c *Container) EmitEvent(ctx context.Context, evtType string, body map[string]interface{}, headers map[string]string, delay time.Duration) error {
	if c.eventSystem == nil {
		return fmt.Errorf("container: no event system configured")
	}
	headers = mergeHeaders(headers, trace.ID(ctx))
	evt := &events.Event{Type: evtType, Body: body, Source: c.identity, Headers: headers}
	return c.eventSystem.Emit(evt, delay)
}

func mergeHeaders(headers map[string]string, traceID string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	if traceID != "" {
		if _, ok := out[message.TraceHeader]; !ok {
			out[message.TraceHeader] = traceID
		}
	}
	return out
}

func versionString(iface *interfaces.Interface) string {
	if iface.Version == nil {
		return ""
	}
	return iface.Version.String()
}

type loggingPublisher struct{ logger *zap.Logger }

func (p loggingPublisher) Publish(timestamp time.Time, series []metrics.Sample) error {
	p.logger.Debug("metrics snapshot", zap.Int("samples", len(series)), zap.Time("time", timestamp))
	return nil
}
