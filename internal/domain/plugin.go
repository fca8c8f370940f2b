package domain

import (
	"fmt"
	"strings"
	"time"
)

// PluginOrigin says where a plugin candidate was discovered.
type PluginOrigin string

const (
	OriginConfig    PluginOrigin = "config"
	OriginWorkspace PluginOrigin = "workspace"
	OriginGlobal    PluginOrigin = "global"
	OriginBundled   PluginOrigin = "bundled"
)

// PluginStatus is the outcome of one load pass for a single plugin.
type PluginStatus string

const (
	PluginLoaded   PluginStatus = "loaded"
	PluginDisabled PluginStatus = "disabled"
	PluginError    PluginStatus = "error"
)

// DiagnosticLevel grades a PluginDiagnostic.
type DiagnosticLevel string

const (
	DiagnosticWarn  DiagnosticLevel = "warn"
	DiagnosticError DiagnosticLevel = "error"
)

// PluginManifest is the on-disk plugin.yaml describing a plugin package.
type PluginManifest struct {
	ID          string            `json:"id"          yaml:"id"`
	Name        string            `json:"name"        yaml:"name"`
	Version     string            `json:"version"     yaml:"version"`
	Description string            `json:"description" yaml:"description"`
	Author      string            `json:"author"      yaml:"author"`
	Entry       string            `json:"entry"       yaml:"entry"` // "builtin:<name>" or a .wasm path relative to the manifest
	WASMConfig  *WASMPluginConfig `json:"wasm,omitempty" yaml:"wasm,omitempty"`
}

// WASMPluginConfig holds sandbox limits and capabilities for a WASM plugin.
type WASMPluginConfig struct {
	MaxMemoryMB  int           `json:"max_memory_mb" yaml:"max_memory_mb"` // default 64
	ExecTimeout  time.Duration `json:"exec_timeout"  yaml:"exec_timeout"`  // default 30s
	Capabilities []string      `json:"capabilities"  yaml:"capabilities"`  // allowed host functions
}

// PluginCandidate is a discovered, not-yet-loaded plugin source.
type PluginCandidate struct {
	IDHint             string          `json:"idHint"`
	Origin             PluginOrigin    `json:"origin"`
	Source             string          `json:"source"`
	RootDir            string          `json:"rootDir,omitempty"`
	PackageName        string          `json:"packageName,omitempty"`
	PackageVersion     string          `json:"packageVersion,omitempty"`
	PackageDescription string          `json:"packageDescription,omitempty"`
	Manifest           *PluginManifest `json:"-"`
}

// PluginDiagnostic is a non-fatal warning or error raised while loading plugins.
type PluginDiagnostic struct {
	Level    DiagnosticLevel `json:"level"`
	Message  string          `json:"message"`
	PluginID string          `json:"pluginId,omitempty"`
	Source   string          `json:"source,omitempty"`
}

// ConfigUIHint carries presentation metadata for one config field.
type ConfigUIHint struct {
	Label       string `json:"label,omitempty"`
	Help        string `json:"help,omitempty"`
	Advanced    bool   `json:"advanced,omitempty"`
	Sensitive   bool   `json:"sensitive,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Order       *int   `json:"order,omitempty"`
}

// PluginRecord is the loaded (or failed) state of one plugin after a load pass.
type PluginRecord struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Version          string                  `json:"version,omitempty"`
	Description      string                  `json:"description,omitempty"`
	Source           string                  `json:"source"`
	Origin           PluginOrigin            `json:"origin"`
	Enabled          bool                    `json:"enabled"`
	Status           PluginStatus            `json:"status"`
	Error            string                  `json:"error,omitempty"`
	ToolNames        []string                `json:"toolNames"`
	ChannelIDs       []string                `json:"channelIds"`
	ProviderIDs      []string                `json:"providerIds"`
	GatewayMethods   []string                `json:"gatewayMethods"`
	CLICommands      []string                `json:"cliCommands"`
	Services         []string                `json:"services"`
	HTTPHandlers     int                     `json:"httpHandlers"`
	ConfigSchema     bool                    `json:"configSchema"`
	ConfigUIHints    map[string]ConfigUIHint `json:"configUiHints,omitempty"`
	ConfigJSONSchema map[string]any          `json:"configJsonSchema,omitempty"`
}

// NewPluginRecord creates an empty record for a candidate. The name falls back
// to the package name and then the id.
func NewPluginRecord(c PluginCandidate, enabled bool) *PluginRecord {
	name := strings.TrimSpace(c.PackageName)
	if name == "" {
		name = c.IDHint
	}
	return &PluginRecord{
		ID:             c.IDHint,
		Name:           name,
		Version:        c.PackageVersion,
		Description:    c.PackageDescription,
		Source:         c.Source,
		Origin:         c.Origin,
		Enabled:        enabled,
		Status:         PluginLoaded,
		ToolNames:      []string{},
		ChannelIDs:     []string{},
		ProviderIDs:    []string{},
		GatewayMethods: []string{},
		CLICommands:    []string{},
		Services:       []string{},
	}
}

// Fail marks the record as errored.
func (r *PluginRecord) Fail(msg string) {
	r.Status = PluginError
	r.Error = msg
}

// Disable marks the record as disabled with a human-readable reason.
func (r *PluginRecord) Disable(reason string) {
	r.Enabled = false
	r.Status = PluginDisabled
	r.Error = reason
}

// Issue is one validation problem located by a dotted path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	path := i.Path
	if path == "" {
		path = "<root>"
	}
	return fmt.Sprintf("%s: %s", path, i.Message)
}

// FormatIssues joins issues as "path: message" pairs.
func FormatIssues(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, i.String())
	}
	return strings.Join(parts, ", ")
}
