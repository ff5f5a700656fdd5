package interfaces

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lattice-mesh/lattice/trace"
)

// ContainerInfo is the process-scoped identity the meta-interface
// reports through status.
type ContainerInfo interface {
	Endpoint() string
	Identity() string
}

// MetricsSource yields the current metric snapshot for get_metrics.
type MetricsSource interface {
	Snapshot() []map[string]interface{}
}

// LogLevelController changes a named logger's level, returning the level
// it had before the change so change_loglevel can revert it.
type LogLevelController interface {
	SetLevel(qualname string, level zapcore.Level) (previous zapcore.Level, err error)
}

// NewDefaultInterface builds the built-in meta-interface every container
// hosts and never advertises via discovery: ping, status, inspect,
// get_metrics, change_loglevel. Its fixed name "lattice" makes "ping"'s
// subject exactly message.PingSubject ("lattice.ping").
func NewDefaultInterface(info ContainerInfo, registry *Registry, metricsSource MetricsSource, levels LogLevelController, group *trace.Group, logger *zap.Logger) *Interface {
	iface := NewInterface("lattice", nil)
	iface.Builtin = true
	iface.AddMethod(newPing())
	iface.AddMethod(newStatus(info))
	iface.AddMethod(newInspect(registry))
	iface.AddMethod(newGetMetrics(metricsSource))
	iface.AddMethod(newChangeLoglevel(levels, group, logger))
	return iface
}

func newPing() *Method {
	return &Method{
		Name:   "ping",
		Kind:   RPC,
		Doc:    "echo the payload back to the caller",
		Params: []string{"payload"},
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["payload"], nil
		},
	}
}

func newStatus(info ContainerInfo) *Method {
	return &Method{
		Name: "status",
		Kind: RPC,
		Doc:  "report this container's endpoint and identity",
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"endpoint": info.Endpoint(),
				"identity": info.Identity(),
			}, nil
		},
	}
}

func newInspect(registry *Registry) *Method {
	return &Method{
		Name: "inspect",
		Kind: RPC,
		Doc:  "describe every RPC method available on this container",
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			methods := make([]map[string]interface{}, 0)
			for _, iface := range registry.Interfaces() {
				for _, m := range iface.Methods() {
					version := ""
					if iface.Version != nil {
						version = iface.Version.String()
					}
					methods = append(methods, map[string]interface{}{
						"name":    iface.Name + "." + m.Name,
						"version": version,
						"params":  m.Params,
						"help":    m.Doc,
					})
				}
			}
			return map[string]interface{}{"methods": methods}, nil
		},
	}
}

func newGetMetrics(source MetricsSource) *Method {
	return &Method{
		Name: "get_metrics",
		Kind: RPC,
		Doc:  "yield the current metric snapshot",
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if source == nil {
				return []map[string]interface{}{}, nil
			}
			return source.Snapshot(), nil
		},
	}
}

func newChangeLoglevel(levels LogLevelController, group *trace.Group, logger *zap.Logger) *Method {
	return &Method{
		Name:   "change_loglevel",
		Kind:   RPC,
		Doc:    "temporarily adjust a named logger's level, then revert after period seconds",
		Params: []string{"qualname", "loglevel", "period"},
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			qualname, _ := params["qualname"].(string)
			levelStr, _ := params["loglevel"].(string)
			period := 60.0
			if p, ok := params["period"].(float64); ok {
				period = p
			}
			var level zapcore.Level
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				return nil, fmt.Errorf("interfaces: bad log level %q: %w", levelStr, err)
			}
			previous, err := levels.SetLevel(qualname, level)
			if err != nil {
				return nil, err
			}
			logger.Info("changed logger level", zap.String("logger", qualname), zap.String("level", levelStr))
			group.Spawn(func(ctx context.Context) {
				timer := time.NewTimer(time.Duration(period * float64(time.Second)))
				defer timer.Stop()
				select {
				case <-timer.C:
					levels.SetLevel(qualname, previous)
					logger.Info("reverted logger level", zap.String("logger", qualname))
				case <-ctx.Done():
				}
			})
			return nil, nil
		},
	}
}
