package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"relaybot/internal/domain"
)

// RegisterFunc is the simplest plugin export: a bare register function.
type RegisterFunc func(api *API)

// AsyncRegisterFunc is a register function whose work finishes after it
// returns. The loader never waits on the returned channel.
type AsyncRegisterFunc func(api *API) <-chan error

// Definition is the descriptive plugin export. Register (or Activate when
// Register is nil) holds one of the register shapes accepted by the loader:
// RegisterFunc, func(*API), func(*API) error, AsyncRegisterFunc or
// func(*API) <-chan error.
type Definition struct {
	ID           string
	Name         string
	Description  string
	Version      string
	ConfigSchema *ConfigSchema
	Register     any
	Activate     any
}

// registerCall is the normalized form of every register shape.
type registerCall func(api *API) (async bool, err error)

// resolvedExport is a module export after shape resolution.
type resolvedExport struct {
	def      *Definition
	register registerCall
}

// resolveExport accepts either a register callable or a Definition.
func resolveExport(export any) resolvedExport {
	switch v := export.(type) {
	case Definition:
		return resolveDefinition(&v)
	case *Definition:
		if v == nil {
			return resolvedExport{}
		}
		return resolveDefinition(v)
	default:
		return resolvedExport{register: asRegisterCall(export)}
	}
}

func resolveDefinition(def *Definition) resolvedExport {
	fn := def.Register
	if fn == nil {
		fn = def.Activate
	}
	return resolvedExport{def: def, register: asRegisterCall(fn)}
}

func asRegisterCall(fn any) registerCall {
	switch f := fn.(type) {
	case RegisterFunc:
		if f == nil {
			return nil
		}
		return func(api *API) (bool, error) { f(api); return false, nil }
	case func(*API):
		if f == nil {
			return nil
		}
		return func(api *API) (bool, error) { f(api); return false, nil }
	case func(*API) error:
		if f == nil {
			return nil
		}
		return func(api *API) (bool, error) { return false, f(api) }
	case AsyncRegisterFunc:
		if f == nil {
			return nil
		}
		return func(api *API) (bool, error) { return f(api) != nil, nil }
	case func(*API) <-chan error:
		if f == nil {
			return nil
		}
		return func(api *API) (bool, error) { return f(api) != nil, nil }
	default:
		return nil
	}
}

// ModuleLoader turns a candidate's source into a module export.
type ModuleLoader interface {
	LoadModule(ctx context.Context, c domain.PluginCandidate) (any, error)
}

// ModuleLoaderFunc adapts a function to ModuleLoader.
type ModuleLoaderFunc func(ctx context.Context, c domain.PluginCandidate) (any, error)

// LoadModule implements ModuleLoader.
func (f ModuleLoaderFunc) LoadModule(ctx context.Context, c domain.PluginCandidate) (any, error) {
	return f(ctx, c)
}

// Builtins is the compiled-in module table. Bundled plugins are statically
// registered here and surfaced to discovery as "builtin:<name>" candidates.
type Builtins struct {
	mu      sync.RWMutex
	modules map[string]any
}

// NewBuiltins creates an empty table.
func NewBuiltins() *Builtins {
	return &Builtins{modules: make(map[string]any)}
}

// Add registers export under name, replacing any previous export.
func (b *Builtins) Add(name string, export any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules[strings.TrimSpace(name)] = export
}

// Names lists the registered names in lexical order.
func (b *Builtins) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedNames(b.modules)
}

// Candidates returns one bundled candidate per builtin, using Definition
// metadata when the export provides it.
func (b *Builtins) Candidates() []domain.PluginCandidate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.PluginCandidate, 0, len(b.modules))
	for _, name := range sortedNames(b.modules) {
		c := domain.PluginCandidate{
			IDHint: name,
			Origin: domain.OriginBundled,
			Source: BuiltinPrefix + name,
		}
		if def := definitionOf(b.modules[name]); def != nil {
			c.PackageName = def.Name
			c.PackageVersion = def.Version
			c.PackageDescription = def.Description
		}
		out = append(out, c)
	}
	return out
}

// LoadModule implements ModuleLoader for builtin: sources.
func (b *Builtins) LoadModule(_ context.Context, c domain.PluginCandidate) (any, error) {
	name := strings.TrimPrefix(c.Source, BuiltinPrefix)
	b.mu.RLock()
	export, ok := b.modules[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: builtin module %q", domain.ErrNotFound, name)
	}
	return export, nil
}

func definitionOf(export any) *Definition {
	switch v := export.(type) {
	case Definition:
		return &v
	case *Definition:
		return v
	}
	return nil
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SourceLoader routes a candidate to the builtin table or the WASM loader
// based on its source.
type SourceLoader struct {
	Builtins *Builtins
	WASM     ModuleLoader
}

// LoadModule implements ModuleLoader.
func (s *SourceLoader) LoadModule(ctx context.Context, c domain.PluginCandidate) (any, error) {
	switch {
	case strings.HasPrefix(c.Source, BuiltinPrefix):
		if s.Builtins == nil {
			return nil, fmt.Errorf("%w: no builtin modules", domain.ErrNotFound)
		}
		return s.Builtins.LoadModule(ctx, c)
	case strings.EqualFold(filepath.Ext(c.Source), ".wasm"):
		if s.WASM == nil {
			return nil, fmt.Errorf("%w: wasm plugins are not enabled", domain.ErrDisabled)
		}
		return s.WASM.LoadModule(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unsupported plugin source %s", domain.ErrInvalidInput, c.Source)
	}
}
