package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
	Issues []domain.Issue
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match the error with errors.Is(err, domain.ErrConfigInvalid).
func (v *ValidationError) Unwrap() error { return domain.ErrConfigInvalid }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error located at path.
func (v *ValidationError) Add(path, format string, args ...interface{}) {
	issue := domain.Issue{Path: path, Message: fmt.Sprintf(format, args...)}
	v.Issues = append(v.Issues, issue)
	v.Errors = append(v.Errors, issue.String())
}

// Validate checks cfg for semantic correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validatePlugins(cfg, ve)
	validateChannels(cfg, ve)
	validateAudit(cfg, ve)
	validateStatus(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr", "must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr", "%q is not a valid host:port", cfg.Gateway.Addr)
	}

	seen := make(map[string]bool)
	for i, tok := range cfg.Gateway.Tokens {
		path := fmt.Sprintf("gateway.tokens.%d", i)
		if tok.Token == "" {
			ve.Add(path+".token", "must not be empty")
			continue
		}
		if seen[tok.Token] {
			ve.Add(path+".token", "duplicate token (name %q)", tok.Name)
		}
		seen[tok.Token] = true
		for _, role := range tok.Roles {
			if !domain.IsValidAuthRole(role) {
				ve.Add(path+".roles", "unknown role %q (want: admin, operator, viewer)", role)
			}
		}
	}

	if cfg.Gateway.RateLimit.RequestsPerMin < 0 {
		ve.Add("gateway.rate_limit.requests_per_min", "must be >= 0")
	}
	if cfg.Gateway.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit.burst", "must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level", "%q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format", "%q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "", "stdout", "stderr":
	case "file":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint", "is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter", "%q is invalid (want: noop, stdout, stderr, file)", cfg.Tracer.Exporter)
	}
}

func validatePlugins(cfg *Config, ve *ValidationError) {
	for _, id := range SortedKeys(cfg.Plugins.Entries) {
		if !idPattern.MatchString(id) {
			ve.Add("plugins.entries."+id, "invalid plugin id")
		}
	}
	for _, p := range cfg.Plugins.Load.Paths {
		if strings.TrimSpace(p) == "" {
			ve.Add("plugins.load.paths", "must not contain empty entries")
			break
		}
	}
	if cfg.Plugins.WASM.MaxMemoryMB < 1 || cfg.Plugins.WASM.MaxMemoryMB > 512 {
		ve.Add("plugins.wasm.max_memory_mb", "must be between 1 and 512 (got %d)", cfg.Plugins.WASM.MaxMemoryMB)
	}
	if d := cfg.Plugins.WASM.ExecTimeout; d < time.Second || d > 5*time.Minute {
		ve.Add("plugins.wasm.exec_timeout", "must be between 1s and 5m (got %s)", d)
	}
}

func validateChannels(cfg *Config, ve *ValidationError) {
	for _, id := range SortedKeys(cfg.Channels) {
		if !idPattern.MatchString(id) {
			ve.Add("channels."+id, "invalid channel id")
			continue
		}
		accounts, ok := cfg.Channels[id]["accounts"]
		if !ok || accounts == nil {
			continue
		}
		if _, ok := accounts.(map[string]any); !ok {
			ve.Add("channels."+id+".accounts", "must be an object keyed by account id")
		}
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		ve.Add("audit.path", "is required when audit is enabled")
	}
	if cfg.Audit.Retention < 0 {
		ve.Add("audit.retention", "must be >= 0")
	}
	if spec := cfg.Audit.PruneSchedule; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			ve.Add("audit.prune_schedule", "%q is not a valid schedule: %v", spec, err)
		}
	}
}

func validateStatus(cfg *Config, ve *ValidationError) {
	if cfg.Status.ProbeTimeout <= 0 {
		ve.Add("status.probe_timeout", "must be > 0")
	}
	if cfg.Status.CacheTTL < 0 {
		ve.Add("status.cache_ttl", "must be >= 0")
	}
	if spec := cfg.Status.RefreshSchedule; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			ve.Add("status.refresh_schedule", "%q is not a valid schedule: %v", spec, err)
		}
	}
}
