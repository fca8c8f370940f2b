package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/infra/tracer"
)

const moduleLoadTimeout = 30 * time.Second

// Diagnostic messages emitted by the loader.
const (
	msgMissingRegister = "plugin export missing register/activate"
	msgAsyncRegister   = "plugin register returned an async result; async registration is ignored"
)

// LoadOptions configures one load pass.
type LoadOptions struct {
	Config             map[string]any
	WorkspaceDir       string
	Logger             *slog.Logger
	CoreGatewayMethods []string
	// Cache defaults to true when nil.
	Cache *bool
	// Detached passes leave Active untouched.
	Detached bool
}

// Loader runs load passes: discovery, enable policy, module load, config
// validation and registration. A pass never fails as a whole; problems are
// recorded on the affected PluginRecord and as diagnostics.
type Loader struct {
	discovery Discoverer
	modules   ModuleLoader
	cache     *RegistryCache
	logger    *slog.Logger

	mu        sync.RWMutex
	active    *Registry
	activeKey string
}

// NewLoader creates a Loader. A nil cache gets a default-sized one.
func NewLoader(discovery Discoverer, modules ModuleLoader, cache *RegistryCache, logger *slog.Logger) *Loader {
	if cache == nil {
		cache = NewRegistryCache(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		discovery: discovery,
		modules:   modules,
		cache:     cache,
		logger:    logger.With("component", "plugins"),
	}
}

// Load returns the registry for opts and, unless opts.Detached, makes it the
// active one. With caching on, an unchanged (workspace, policy) pair returns
// the same *Registry without rediscovery.
func (l *Loader) Load(ctx context.Context, opts LoadOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = l.logger
	}
	policy := NormalizePolicy(opts.Config)
	key := CacheKey(opts.WorkspaceDir, policy)

	build := func() *Registry { return l.build(ctx, opts, policy, logger) }

	var reg *Registry
	if opts.Cache == nil || *opts.Cache {
		var hit bool
		reg, hit = l.cache.GetOrBuild(key, build)
		if hit {
			logger.Debug("plugin registry cache hit", "key", key)
		}
	} else {
		reg = build()
	}

	if opts.Detached {
		return reg
	}
	l.mu.Lock()
	l.active, l.activeKey = reg, key
	l.mu.Unlock()
	return reg
}

// Active returns the registry of the most recent pass and its cache key.
func (l *Loader) Active() (*Registry, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active, l.activeKey
}

// Invalidate drops every cached registry so the next Load rebuilds.
func (l *Loader) Invalidate() {
	l.cache.Purge()
}

// Cache exposes the registry cache.
func (l *Loader) Cache() *RegistryCache { return l.cache }

func (l *Loader) build(ctx context.Context, opts LoadOptions, policy Policy, logger *slog.Logger) *Registry {
	ctx, span := tracer.StartSpan(ctx, "plugins.load")
	defer span.End()

	reg := NewRegistry(opts.CoreGatewayMethods, logger)
	discovered := l.discovery.Discover(ctx, DiscoverParams{
		WorkspaceDir: opts.WorkspaceDir,
		ExtraPaths:   policy.LoadPaths,
	})
	reg.Diagnostics = append(reg.Diagnostics, discovered.Diagnostics...)

	for _, c := range discovered.Candidates {
		record := l.loadCandidate(ctx, reg, c, policy, opts.Config)
		reg.Plugins = append(reg.Plugins, record)
	}

	counts := reg.StatusCounts()
	span.SetAttributes(
		tracer.IntAttr("plugins.candidates", len(discovered.Candidates)),
		tracer.IntAttr("plugins.loaded", counts[domain.PluginLoaded]),
		tracer.IntAttr("plugins.errors", counts[domain.PluginError]),
	)
	tracer.SetOK(span)
	logger.Info("plugin load pass complete",
		"loaded", counts[domain.PluginLoaded],
		"disabled", counts[domain.PluginDisabled],
		"errors", counts[domain.PluginError],
		"diagnostics", len(reg.Diagnostics),
	)
	return reg
}

func (l *Loader) loadCandidate(ctx context.Context, reg *Registry, c domain.PluginCandidate, policy Policy, cfg map[string]any) *domain.PluginRecord {
	enabled, reason := ResolveEnableState(c.IDHint, policy)
	record := domain.NewPluginRecord(c, enabled)
	if !enabled {
		record.Disable(reason)
		return record
	}

	ctx, span := tracer.StartSpan(ctx, "plugins.register")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("plugin.id", record.ID), tracer.StringAttr("plugin.origin", string(c.Origin)))

	fail := func(errText, diag string) *domain.PluginRecord {
		record.Fail(errText)
		reg.Diagnose(domain.DiagnosticError, record, diag)
		tracer.RecordError(span, fmt.Errorf("%s", diag))
		return record
	}

	export, err := l.loadModule(ctx, c)
	if err != nil {
		return fail(err.Error(), "failed to load plugin: "+err.Error())
	}

	resolved := resolveExport(export)
	var schema *ConfigSchema
	if def := resolved.def; def != nil {
		if def.ID != "" && def.ID != record.ID {
			reg.Diagnose(domain.DiagnosticWarn, record,
				fmt.Sprintf("plugin id mismatch (config uses %q, export uses %q)", record.ID, def.ID))
		}
		if def.Name != "" {
			record.Name = def.Name
		}
		if def.Description != "" {
			record.Description = def.Description
		}
		if def.Version != "" {
			record.Version = def.Version
		}
		schema = def.ConfigSchema
		record.ConfigSchema = schema != nil
		if schema != nil {
			if len(schema.UIHints) > 0 {
				record.ConfigUIHints = schema.UIHints
			}
			if len(schema.JSONSchema) > 0 {
				record.ConfigJSONSchema = schema.JSONSchema
			}
		}
	}

	pluginConfig, issues := validatePluginConfig(schema, policy.Entries[record.ID].Config)
	if len(issues) > 0 {
		msg := "invalid config: " + domain.FormatIssues(issues)
		return fail(msg, msg)
	}

	if resolved.register == nil {
		return fail(msgMissingRegister, msgMissingRegister)
	}

	api := reg.NewAPI(record, cfg, pluginConfig)
	async, err := callRegister(resolved.register, api)
	api.seal()
	if err != nil {
		return fail(err.Error(), "plugin failed during register: "+err.Error())
	}
	if async {
		reg.Diagnose(domain.DiagnosticWarn, record, msgAsyncRegister)
	}
	tracer.SetOK(span)
	return record
}

// loadModule runs the module loader with a timeout and turns panics into
// errors.
func (l *Loader) loadModule(ctx context.Context, c domain.PluginCandidate) (export any, err error) {
	ctx, cancel := context.WithTimeout(ctx, moduleLoadTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			export, err = nil, fmt.Errorf("%w: panic: %v", domain.ErrPluginLoad, r)
		}
	}()
	if l.modules == nil {
		return nil, fmt.Errorf("%w: no module loader", domain.ErrPluginLoad)
	}
	return l.modules.LoadModule(ctx, c)
}

// validatePluginConfig applies the plugin's validator, if any. Panics and
// schema compile errors are reported as root issues.
func validatePluginConfig(schema *ConfigSchema, value map[string]any) (normalized map[string]any, issues []domain.Issue) {
	defer func() {
		if r := recover(); r != nil {
			normalized, issues = nil, []domain.Issue{{Message: fmt.Sprintf("validator panic: %v", r)}}
		}
	}()
	v, err := schema.validator()
	if err != nil {
		return nil, []domain.Issue{{Message: err.Error()}}
	}
	if v == nil {
		return value, nil
	}
	return v.Validate(value)
}

func callRegister(fn registerCall, api *API) (async bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			async, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(api)
}
