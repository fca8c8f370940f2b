// Package pluginhost exposes the surfaces plugins contribute to the active
// registry: tools, HTTP routes, background services, CLI commands and
// gateway methods.
package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"relaybot/internal/domain"
	"relaybot/internal/infra/logger"
	"relaybot/internal/plugin"
)

// ActiveRegistry returns the registry currently in effect. It may return nil
// before the first load.
type ActiveRegistry func() *plugin.Registry

// FromLoader reads the loader's active registry.
func FromLoader(l *plugin.Loader) ActiveRegistry {
	return func() *plugin.Registry {
		reg, _ := l.Active()
		return reg
	}
}

// MethodRegistrar accepts gateway RPC handlers. The gateway server implements it.
type MethodRegistrar interface {
	RegisterHandler(method string, handler domain.RPCHandler)
}

type runningService struct {
	pluginID string
	service  domain.Service
}

// Host binds the active registry to the rest of the process.
type Host struct {
	active ActiveRegistry
	logger *slog.Logger

	mu       sync.Mutex
	services []runningService
}

// New creates a Host.
func New(active ActiveRegistry, log *slog.Logger) *Host {
	return &Host{active: active, logger: logger.Component(log, "pluginhost")}
}

func (h *Host) registry() *plugin.Registry {
	if reg := h.active(); reg != nil {
		return reg
	}
	return plugin.NewRegistry(nil, h.logger)
}

// Tools resolves every tool factory for tc. Factories run on each call; when
// two tools share a name the one registered last wins. A factory that panics
// is logged and skipped.
func (h *Host) Tools(tc domain.ToolContext) []domain.Tool {
	byName := make(map[string]domain.Tool)
	for _, entry := range h.registry().Tools {
		for _, t := range h.resolve(entry, tc) {
			if _, ok := byName[t.Name()]; ok {
				h.logger.Debug("tool shadowed", "tool", t.Name(), "plugin", entry.PluginID)
			}
			byName[t.Name()] = t
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.Tool, 0, len(names))
	for _, name := range names {
		t := byName[name]
		if wrapped, err := withSchemaValidation(t); err != nil {
			h.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
		} else {
			t = wrapped
		}
		out = append(out, t)
	}
	return out
}

func (h *Host) resolve(entry plugin.ToolEntry, tc domain.ToolContext) (tools []domain.Tool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("tool factory panicked", "plugin", entry.PluginID, "panic", fmt.Sprint(r))
			tools = nil
		}
	}()
	for _, t := range entry.Factory(tc) {
		if t != nil {
			tools = append(tools, t)
		}
	}
	return tools
}

// ToolSchemas lists the schemas of the tools resolved for tc.
func (h *Host) ToolSchemas(tc domain.ToolContext) []domain.ToolSchema {
	tools := h.Tools(tc)
	out := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Schema())
	}
	return out
}

// ExecuteTool runs the tool named name.
func (h *Host) ExecuteTool(ctx context.Context, tc domain.ToolContext, name string, params json.RawMessage) (*domain.ToolResult, error) {
	for _, t := range h.Tools(tc) {
		if t.Name() == name {
			return t.Execute(ctx, params)
		}
	}
	return nil, domain.NewSubSystemError("plugin", "Host.ExecuteTool", domain.ErrNotFound, "tool "+name)
}

// ServeHTTP offers the request to each plugin HTTP handler in registration
// order. The first handler that reports true owns the response.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, entry := range h.registry().HTTPHandlers {
		if entry.Handler(w, r) {
			return
		}
	}
	http.NotFound(w, r)
}

// StartServices starts every registered service. Start failures are logged
// and do not prevent the remaining services from starting.
func (h *Host) StartServices(ctx context.Context, sc domain.ServiceContext) {
	entries := h.registry().Services
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range entries {
		svcLogger := h.logger.With("plugin", entry.PluginID, "service", entry.Service.ID())
		sc.Logger = svcLogger
		if err := entry.Service.Start(ctx, sc); err != nil {
			svcLogger.Error("plugin service failed to start", "error", err)
			continue
		}
		h.services = append(h.services, runningService{pluginID: entry.PluginID, service: entry.Service})
		svcLogger.Info("plugin service started")
	}
}

// StopServices stops the started services in reverse start order.
func (h *Host) StopServices(ctx context.Context) error {
	h.mu.Lock()
	services := h.services
	h.services = nil
	h.mu.Unlock()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		if err := s.service.Stop(ctx); err != nil {
			h.logger.Warn("plugin service failed to stop", "plugin", s.pluginID, "service", s.service.ID(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", s.service.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// RegisterCLI lets every CLI registrar add its commands to cmds.
func (h *Host) RegisterCLI(cmds domain.CommandRegistrar, cc domain.CLIContext) {
	cc.Commands = cmds
	for _, entry := range h.registry().CLIRegistrars {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("cli registrar panicked", "plugin", entry.PluginID, "panic", fmt.Sprint(r))
				}
			}()
			entry.Register(cc)
		}()
	}
}

// RegisterGatewayMethods exposes the plugin gateway methods on srv. Each
// handler resolves the method against the registry active at call time, so
// reloads take effect without re-registration. Returns the registered names.
func (h *Host) RegisterGatewayMethods(srv MethodRegistrar) []string {
	methods := h.registry().GatewayMethods()
	for _, method := range methods {
		srv.RegisterHandler(method, h.dispatch(method))
	}
	return methods
}

func (h *Host) dispatch(method string) domain.RPCHandler {
	return func(ctx context.Context, client *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		handler, ok := h.registry().GatewayHandlers[method]
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, domain.ErrRPCMethodNotFound)
		}
		return handler(ctx, client, payload)
	}
}
