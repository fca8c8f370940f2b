package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"relaybot/internal/domain"
)

// ToolOptions names the tools a registration provides.
type ToolOptions struct {
	Name  string
	Names []string
}

// CLIOptions lists the commands a CLI registrar adds.
type CLIOptions struct {
	Commands []string
}

// ChannelRegistration wraps a channel plugin with an optional dock.
type ChannelRegistration struct {
	Plugin domain.ChannelPlugin
	Dock   *domain.ChannelDock
}

// ToolEntry is a registered tool factory.
type ToolEntry struct {
	PluginID string
	Factory  domain.ToolFactory
	Names    []string
	Source   string
}

// ChannelEntry is a registered channel with its optional groups detected.
type ChannelEntry struct {
	PluginID string
	Plugin   domain.ChannelPlugin
	Dock     *domain.ChannelDock
	Features domain.ChannelFeatures
	Source   string
}

// ProviderEntry is a registered model provider.
type ProviderEntry struct {
	PluginID string
	Provider domain.ProviderPlugin
	Source   string
}

// HTTPEntry is a registered plugin HTTP handler.
type HTTPEntry struct {
	PluginID string
	Handler  domain.HTTPHandler
	Source   string
}

// CLIEntry is a registered CLI registrar.
type CLIEntry struct {
	PluginID string
	Register domain.CLIRegistrar
	Commands []string
	Source   string
}

// ServiceEntry is a registered background service.
type ServiceEntry struct {
	PluginID string
	Service  domain.Service
	Source   string
}

// Registry is the result of one load pass. It is filled sequentially by the
// loader and must be treated as read-only once Load returns it.
type Registry struct {
	Plugins         []*domain.PluginRecord
	Tools           []ToolEntry
	Channels        []ChannelEntry
	Providers       []ProviderEntry
	GatewayHandlers map[string]domain.RPCHandler
	HTTPHandlers    []HTTPEntry
	CLIRegistrars   []CLIEntry
	Services        []ServiceEntry
	Diagnostics     []domain.PluginDiagnostic

	coreMethods map[string]bool
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. coreMethods are gateway methods
// owned by the host that plugins may not claim.
func NewRegistry(coreMethods []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	core := make(map[string]bool, len(coreMethods))
	for _, m := range coreMethods {
		if m = strings.TrimSpace(m); m != "" {
			core[m] = true
		}
	}
	return &Registry{
		Plugins:         []*domain.PluginRecord{},
		Tools:           []ToolEntry{},
		Channels:        []ChannelEntry{},
		Providers:       []ProviderEntry{},
		GatewayHandlers: make(map[string]domain.RPCHandler),
		HTTPHandlers:    []HTTPEntry{},
		CLIRegistrars:   []CLIEntry{},
		Services:        []ServiceEntry{},
		Diagnostics:     []domain.PluginDiagnostic{},
		coreMethods:     core,
		logger:          logger,
	}
}

// Diagnose appends a diagnostic attributed to record (which may be nil).
func (r *Registry) Diagnose(level domain.DiagnosticLevel, record *domain.PluginRecord, msg string) {
	d := domain.PluginDiagnostic{Level: level, Message: msg}
	if record != nil {
		d.PluginID = record.ID
		d.Source = record.Source
	}
	r.Diagnostics = append(r.Diagnostics, d)
}

func (r *Registry) registerTool(record *domain.PluginRecord, tool any, opts ToolOptions) {
	names := append([]string(nil), opts.Names...)
	if len(names) == 0 && opts.Name != "" {
		names = []string{opts.Name}
	}

	var factory domain.ToolFactory
	switch t := tool.(type) {
	case domain.Tool:
		names = append(names, t.Name())
		factory = func(domain.ToolContext) []domain.Tool { return []domain.Tool{t} }
	case domain.ToolFactory:
		factory = t
	case func(domain.ToolContext) []domain.Tool:
		factory = t
	default:
		r.Diagnose(domain.DiagnosticError, record, fmt.Sprintf("unsupported tool registration type %T", tool))
		return
	}
	if factory == nil {
		r.Diagnose(domain.DiagnosticError, record, "tool registration missing tool")
		return
	}

	normalized := dedupeTrimmed(names)
	record.ToolNames = append(record.ToolNames, normalized...)
	r.Tools = append(r.Tools, ToolEntry{
		PluginID: record.ID,
		Factory:  factory,
		Names:    normalized,
		Source:   record.Source,
	})
}

func (r *Registry) registerGatewayMethod(record *domain.PluginRecord, method string, handler domain.RPCHandler) {
	method = strings.TrimSpace(method)
	if method == "" {
		return
	}
	if _, taken := r.GatewayHandlers[method]; taken || r.coreMethods[method] {
		r.Diagnose(domain.DiagnosticError, record, "gateway method already registered: "+method)
		return
	}
	if handler == nil {
		r.Diagnose(domain.DiagnosticError, record, "gateway method missing handler: "+method)
		return
	}
	r.GatewayHandlers[method] = handler
	record.GatewayMethods = append(record.GatewayMethods, method)
}

func (r *Registry) registerHTTPHandler(record *domain.PluginRecord, handler domain.HTTPHandler) {
	record.HTTPHandlers++
	r.HTTPHandlers = append(r.HTTPHandlers, HTTPEntry{
		PluginID: record.ID,
		Handler:  handler,
		Source:   record.Source,
	})
}

func (r *Registry) registerChannel(record *domain.PluginRecord, registration any) {
	var reg ChannelRegistration
	switch v := registration.(type) {
	case ChannelRegistration:
		reg = v
	case *ChannelRegistration:
		if v != nil {
			reg = *v
		}
	case domain.ChannelPlugin:
		reg.Plugin = v
	}

	id := ""
	if reg.Plugin != nil {
		id = strings.TrimSpace(reg.Plugin.ID())
	}
	if id == "" {
		r.Diagnose(domain.DiagnosticError, record, "channel registration missing id")
		return
	}
	record.ChannelIDs = append(record.ChannelIDs, id)
	r.Channels = append(r.Channels, ChannelEntry{
		PluginID: record.ID,
		Plugin:   reg.Plugin,
		Dock:     reg.Dock,
		Features: domain.DetectChannelFeatures(reg.Plugin),
		Source:   record.Source,
	})
}

func (r *Registry) registerProvider(record *domain.PluginRecord, provider domain.ProviderPlugin) {
	id := strings.TrimSpace(provider.ID)
	if id == "" {
		r.Diagnose(domain.DiagnosticError, record, "provider registration missing id")
		return
	}
	for _, existing := range r.Providers {
		if existing.Provider.ID == id {
			r.Diagnose(domain.DiagnosticError, record,
				fmt.Sprintf("provider already registered: %s (%s)", id, existing.PluginID))
			return
		}
	}
	provider.ID = id
	record.ProviderIDs = append(record.ProviderIDs, id)
	r.Providers = append(r.Providers, ProviderEntry{
		PluginID: record.ID,
		Provider: provider,
		Source:   record.Source,
	})
}

func (r *Registry) registerCLI(record *domain.PluginRecord, registrar domain.CLIRegistrar, opts CLIOptions) {
	commands := dedupeTrimmed(opts.Commands)
	record.CLICommands = append(record.CLICommands, commands...)
	r.CLIRegistrars = append(r.CLIRegistrars, CLIEntry{
		PluginID: record.ID,
		Register: registrar,
		Commands: commands,
		Source:   record.Source,
	})
}

func (r *Registry) registerService(record *domain.PluginRecord, service domain.Service) {
	if service == nil {
		return
	}
	id := strings.TrimSpace(service.ID())
	if id == "" {
		return
	}
	record.Services = append(record.Services, id)
	r.Services = append(r.Services, ServiceEntry{
		PluginID: record.ID,
		Service:  service,
		Source:   record.Source,
	})
}

// Record returns the record for id.
func (r *Registry) Record(id string) (*domain.PluginRecord, bool) {
	for _, p := range r.Plugins {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Channel returns the registered channel with id.
func (r *Registry) Channel(id string) (ChannelEntry, bool) {
	for _, c := range r.Channels {
		if c.Plugin.ID() == id {
			return c, true
		}
	}
	return ChannelEntry{}, false
}

// GatewayMethods returns the plugin-owned gateway methods in lexical order.
func (r *Registry) GatewayMethods() []string {
	methods := make([]string, 0, len(r.GatewayHandlers))
	for m := range r.GatewayHandlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// StatusCounts tallies plugin records by status.
func (r *Registry) StatusCounts() map[domain.PluginStatus]int {
	counts := map[domain.PluginStatus]int{
		domain.PluginLoaded:   0,
		domain.PluginDisabled: 0,
		domain.PluginError:    0,
	}
	for _, p := range r.Plugins {
		counts[p.Status]++
	}
	return counts
}

func dedupeTrimmed(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// API is the registration surface handed to one plugin's register function.
// It is bound to that plugin's record and stops accepting registrations once
// register returns.
type API struct {
	ID           string
	Name         string
	Version      string
	Description  string
	Source       string
	Config       map[string]any
	PluginConfig map[string]any
	Logger       *slog.Logger

	registry *Registry
	record   *domain.PluginRecord
	sealed   atomic.Bool
}

// NewAPI binds a registration API to record.
func (r *Registry) NewAPI(record *domain.PluginRecord, cfg, pluginConfig map[string]any) *API {
	return &API{
		ID:           record.ID,
		Name:         record.Name,
		Version:      record.Version,
		Description:  record.Description,
		Source:       record.Source,
		Config:       cfg,
		PluginConfig: pluginConfig,
		Logger:       r.logger.With("plugin", record.ID),
		registry:     r,
		record:       record,
	}
}

// seal stops the API from mutating the registry. Registry readers may run
// concurrently after the pass, so late calls are only logged.
func (a *API) seal() { a.sealed.Store(true) }

func (a *API) open(op string) bool {
	if a.sealed.Load() {
		a.Logger.Warn("registration after register returned ignored", "op", op)
		return false
	}
	return true
}

// RegisterTool adds a domain.Tool, a domain.ToolFactory, or a
// func(domain.ToolContext) []domain.Tool.
func (a *API) RegisterTool(tool any, opts ToolOptions) {
	if a.open("RegisterTool") {
		a.registry.registerTool(a.record, tool, opts)
	}
}

// RegisterGatewayMethod claims an RPC method name. The first claim wins.
func (a *API) RegisterGatewayMethod(method string, handler domain.RPCHandler) {
	if a.open("RegisterGatewayMethod") {
		a.registry.registerGatewayMethod(a.record, method, handler)
	}
}

// RegisterHTTPHandler adds an HTTP handler under /plugins/.
func (a *API) RegisterHTTPHandler(handler domain.HTTPHandler) {
	if a.open("RegisterHTTPHandler") {
		a.registry.registerHTTPHandler(a.record, handler)
	}
}

// RegisterChannel adds a domain.ChannelPlugin or a ChannelRegistration.
func (a *API) RegisterChannel(registration any) {
	if a.open("RegisterChannel") {
		a.registry.registerChannel(a.record, registration)
	}
}

// RegisterProvider claims a provider id. The first claim wins.
func (a *API) RegisterProvider(provider domain.ProviderPlugin) {
	if a.open("RegisterProvider") {
		a.registry.registerProvider(a.record, provider)
	}
}

// RegisterCLI adds a CLI registrar.
func (a *API) RegisterCLI(registrar domain.CLIRegistrar, opts CLIOptions) {
	if a.open("RegisterCLI") {
		a.registry.registerCLI(a.record, registrar, opts)
	}
}

// RegisterService adds a background service. Services with an empty id are
// ignored.
func (a *API) RegisterService(service domain.Service) {
	if a.open("RegisterService") {
		a.registry.registerService(a.record, service)
	}
}

// ResolvePath expands "~" and makes p absolute.
func (a *API) ResolvePath(p string) string {
	return ResolveUserPath(p)
}
