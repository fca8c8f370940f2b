package wasm

import (
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/domain"
)

// Capability constants name the host functions a guest may import.
const (
	CapLog     = "log"     // always allowed
	CapConfig  = "config"  // always allowed
	CapTool    = "tool"    // register_tool, tool_result
	CapGateway = "gateway" // register_gateway_method, rpc_result
)

var knownCapabilities = map[string]bool{
	CapLog:     true,
	CapConfig:  true,
	CapTool:    true,
	CapGateway: true,
}

var alwaysAllowed = map[string]bool{
	CapLog:    true,
	CapConfig: true,
}

// Limits are the host-wide defaults applied when a manifest leaves a limit
// unset.
type Limits struct {
	MaxMemoryMB int
	ExecTimeout time.Duration
}

// DefaultLimits returns 64 MB and 30s.
func DefaultLimits() Limits {
	return Limits{MaxMemoryMB: 64, ExecTimeout: 30 * time.Second}
}

// Sandbox holds the resource limits and granted capabilities of one guest.
type Sandbox struct {
	capabilities map[string]bool
	maxMemoryMB  int
	execTimeout  time.Duration
	logger       *slog.Logger
}

// NewSandbox creates a Sandbox from a manifest's wasm section, falling back to
// defaults for unset limits. cfg may be nil.
func NewSandbox(cfg *domain.WASMPluginConfig, defaults Limits, logger *slog.Logger) *Sandbox {
	if defaults.MaxMemoryMB <= 0 {
		defaults.MaxMemoryMB = DefaultLimits().MaxMemoryMB
	}
	if defaults.ExecTimeout <= 0 {
		defaults.ExecTimeout = DefaultLimits().ExecTimeout
	}
	s := &Sandbox{
		capabilities: make(map[string]bool),
		maxMemoryMB:  defaults.MaxMemoryMB,
		execTimeout:  defaults.ExecTimeout,
		logger:       logger,
	}
	for c := range alwaysAllowed {
		s.capabilities[c] = true
	}
	if cfg == nil {
		return s
	}
	if cfg.MaxMemoryMB > 0 {
		s.maxMemoryMB = cfg.MaxMemoryMB
	}
	if cfg.ExecTimeout > 0 {
		s.execTimeout = cfg.ExecTimeout
	}
	for _, c := range cfg.Capabilities {
		s.capabilities[c] = true
	}
	return s
}

// AllowCapability reports whether the given capability is granted.
func (s *Sandbox) AllowCapability(c string) bool {
	return s.capabilities[c]
}

// MaxMemoryMB returns the memory limit in megabytes.
func (s *Sandbox) MaxMemoryMB() int {
	return s.maxMemoryMB
}

// ExecTimeout bounds every guest call.
func (s *Sandbox) ExecTimeout() time.Duration {
	return s.execTimeout
}

// MemoryPages converts the memory limit to 64 KiB wasm pages.
func (s *Sandbox) MemoryPages() uint32 {
	return uint32(s.maxMemoryMB) * 16
}

// ValidateCapabilities rejects capability names the host does not know.
func ValidateCapabilities(requested []string) error {
	var unknown []string
	for _, c := range requested {
		if !knownCapabilities[c] {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return domain.NewSubSystemError("wasm", "wasm.ValidateCapabilities", domain.ErrPermissionDenied,
			fmt.Sprintf("unknown capabilities: %v", unknown))
	}
	return nil
}
