package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"relaybot/internal/domain"
	"relaybot/internal/plugin"
)

const closeTimeout = 5 * time.Second

// Guest is one instantiated wasm plugin. Calls into the guest are
// serialized because host state and guest memory are not reentrant.
type Guest struct {
	id       string
	path     string
	modTime  time.Time
	manifest domain.PluginManifest
	runtime  *Runtime
	module   api.Module
	sandbox  *Sandbox
	env      *hostEnv
	logger   *slog.Logger

	mu sync.Mutex
}

// ModuleLoader loads .wasm plugin entries. It implements plugin.ModuleLoader
// and keeps one Guest per entry path, reinstantiating only when the file
// changes.
type ModuleLoader struct {
	limits Limits
	logger *slog.Logger

	mu     sync.Mutex
	guests map[string]*Guest
}

var _ plugin.ModuleLoader = (*ModuleLoader)(nil)

// NewModuleLoader creates a loader applying limits to manifests that leave
// them unset.
func NewModuleLoader(limits Limits, logger *slog.Logger) *ModuleLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleLoader{
		limits: limits,
		logger: logger.With("component", "wasm"),
		guests: make(map[string]*Guest),
	}
}

// LoadModule instantiates the candidate's wasm entry and returns a
// *plugin.Definition whose Register calls the guest's register (or activate)
// export.
func (l *ModuleLoader) LoadModule(ctx context.Context, c domain.PluginCandidate) (any, error) {
	path := c.Source
	if !strings.HasSuffix(path, ".wasm") {
		return nil, fmt.Errorf("%w: not a wasm entry: %s", domain.ErrInvalidInput, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", domain.ErrPluginLoad, path, err)
	}

	manifest := domain.PluginManifest{ID: c.IDHint, Name: c.IDHint}
	if c.Manifest != nil {
		manifest = *c.Manifest
		if manifest.ID == "" {
			manifest.ID = c.IDHint
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.guests[path]; ok {
		if g.modTime.Equal(info.ModTime()) && g.id == manifest.ID {
			return g.definition(ctx), nil
		}
		delete(l.guests, path)
		if err := g.Close(ctx); err != nil {
			l.logger.Warn("close stale wasm guest", "path", path, "error", err)
		}
	}

	g, err := l.instantiate(ctx, path, manifest)
	if err != nil {
		return nil, err
	}
	g.modTime = info.ModTime()
	l.guests[path] = g
	return g.definition(ctx), nil
}

func (l *ModuleLoader) instantiate(ctx context.Context, path string, manifest domain.PluginManifest) (*Guest, error) {
	if manifest.WASMConfig != nil {
		if err := ValidateCapabilities(manifest.WASMConfig.Capabilities); err != nil {
			return nil, err
		}
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrPluginLoad, path, err)
	}

	logger := l.logger.With("plugin", manifest.ID)
	sandbox := NewSandbox(manifest.WASMConfig, l.limits, logger)
	rt := NewRuntime(ctx, sandbox.MemoryPages(), logger)

	g := &Guest{
		id:       manifest.ID,
		path:     path,
		manifest: manifest,
		runtime:  rt,
		sandbox:  sandbox,
		env:      &hostEnv{sandbox: sandbox, logger: logger},
		logger:   logger,
	}

	compiled, err := rt.Inner().CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: compile %s: %v", domain.ErrPluginLoad, filepath.Base(path), err)
	}
	if err := instantiateHost(ctx, rt.Inner(), g.env); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	mod, err := rt.Inner().InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(manifest.ID).WithStartFunctions())
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate %s: %v", domain.ErrPluginLoad, filepath.Base(path), err)
	}
	g.module = mod

	logger.Info("wasm plugin instantiated",
		"path", path,
		"max_memory_mb", sandbox.MaxMemoryMB(),
		"exec_timeout", sandbox.ExecTimeout(),
	)
	return g, nil
}

// Close closes every guest.
func (l *ModuleLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for path, g := range l.guests {
		if err := g.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(l.guests, path)
	}
	return errors.Join(errs...)
}

// Len returns the number of live guests.
func (l *ModuleLoader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.guests)
}

// definition describes the guest to the plugin loader.
func (g *Guest) definition(ctx context.Context) *plugin.Definition {
	def := &plugin.Definition{
		ID:          g.manifest.ID,
		Name:        g.manifest.Name,
		Description: g.manifest.Description,
		Version:     g.manifest.Version,
	}
	if schema := g.configSchema(ctx); schema != nil {
		def.ConfigSchema = &plugin.ConfigSchema{JSONSchema: schema}
	}
	if g.module.ExportedFunction("register") != nil || g.module.ExportedFunction("activate") != nil {
		def.Register = g.register
	}
	return def
}

// configSchema calls the optional config_schema export.
func (g *Guest) configSchema(ctx context.Context) map[string]any {
	fn := g.module.ExportedFunction("config_schema")
	if fn == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, g.sandbox.ExecTimeout())
	defer cancel()
	results, err := fn.Call(execCtx)
	if err != nil || len(results) < 2 {
		g.logger.Warn("wasm config_schema failed", "error", err)
		return nil
	}
	data, err := ReadBytes(g.module, uint32(results[0]), uint32(results[1]))
	if err != nil {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		g.logger.Warn("wasm config_schema returned invalid json", "error", err)
		return nil
	}
	return schema
}

// register runs the guest's register export and forwards what it announced
// to reg.
func (g *Guest) register(reg *plugin.API) error {
	fn := g.module.ExportedFunction("register")
	if fn == nil {
		fn = g.module.ExportedFunction("activate")
	}

	g.mu.Lock()
	g.env.config = reg.PluginConfig
	g.env.resetRegistrations()
	execCtx, cancel := context.WithTimeout(context.Background(), g.sandbox.ExecTimeout())
	_, err := fn.Call(execCtx)
	timedOut := execCtx.Err() != nil
	cancel()
	tools := g.env.tools
	methods := g.env.methods
	g.mu.Unlock()

	if err != nil {
		if timedOut {
			return fmt.Errorf("%w: register", domain.ErrTimeout)
		}
		return fmt.Errorf("%w: register: %v", domain.ErrToolFailure, err)
	}

	for _, decl := range tools {
		if decl.Name == "" {
			continue
		}
		reg.RegisterTool(&guestTool{guest: g, decl: decl}, plugin.ToolOptions{})
	}
	for _, method := range methods {
		reg.RegisterGatewayMethod(method, g.rpcHandler(method))
	}
	return nil
}

// call writes the two strings into guest memory, invokes fn and returns its
// results.
func (g *Guest) call(ctx context.Context, fn api.Function, name string, payload []byte) ([]uint64, error) {
	execCtx, cancel := context.WithTimeout(ctx, g.sandbox.ExecTimeout())
	defer cancel()

	namePtr, nameLen, err := WriteString(execCtx, g.module, name)
	if err != nil {
		return nil, err
	}
	defer FreeBytes(execCtx, g.module, namePtr, nameLen)
	payloadPtr, payloadLen, err := WriteBytes(execCtx, g.module, payload)
	if err != nil {
		return nil, err
	}
	defer FreeBytes(execCtx, g.module, payloadPtr, payloadLen)

	results, err := fn.Call(execCtx, uint64(namePtr), uint64(nameLen), uint64(payloadPtr), uint64(payloadLen))
	if err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrTimeout, fn.Definition().Name())
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrToolFailure, fn.Definition().Name(), err)
	}
	return results, nil
}

// rpcHandler forwards gateway requests for method to handle_rpc. A non-zero
// return code fails the request with the guest's rpc_result as message.
func (g *Guest) rpcHandler(method string) domain.RPCHandler {
	return func(ctx context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		fn := g.module.ExportedFunction("handle_rpc")
		if fn == nil {
			return nil, fmt.Errorf("%w: module does not export handle_rpc", domain.ErrToolFailure)
		}
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		g.env.rpcResult = nil

		results, err := g.call(ctx, fn, method, payload)
		if err != nil {
			return nil, err
		}
		out := g.env.rpcResult
		if len(results) > 0 && int32(results[0]) != 0 {
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrToolFailure, method, strings.TrimSpace(string(out)))
		}
		if len(out) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(out) {
			quoted, _ := json.Marshal(string(out))
			return quoted, nil
		}
		return json.RawMessage(out), nil
	}
}

// Close runs the optional _close export and releases the runtime.
func (g *Guest) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fn := g.module.ExportedFunction("_close"); fn != nil {
		closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		if _, err := fn.Call(closeCtx); err != nil {
			g.logger.Warn("wasm _close failed", "error", err)
		}
		cancel()
	}
	return g.runtime.Close(ctx)
}

// guestTool exposes one register_tool declaration as a domain.Tool.
type guestTool struct {
	guest *Guest
	decl  toolDecl
}

var _ domain.Tool = (*guestTool)(nil)

func (t *guestTool) Name() string        { return t.decl.Name }
func (t *guestTool) Description() string { return t.decl.Description }

func (t *guestTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.decl.Name, Description: t.decl.Description, Parameters: t.decl.Schema}
}

// Execute calls tool_execute(name, params). The guest reports its result
// through tool_result; a plain-text result becomes the content.
func (t *guestTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	g := t.guest
	fn := g.module.ExportedFunction("tool_execute")
	if fn == nil {
		return nil, fmt.Errorf("%w: module does not export tool_execute", domain.ErrToolFailure)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.env.toolResult = nil

	if _, err := g.call(ctx, fn, t.decl.Name, params); err != nil {
		return nil, err
	}
	out := g.env.toolResult
	if out == nil {
		return &domain.ToolResult{Content: "ok"}, nil
	}
	var result domain.ToolResult
	if err := json.Unmarshal(out, &result); err != nil {
		return &domain.ToolResult{Content: string(out)}, nil
	}
	return &result, nil
}
