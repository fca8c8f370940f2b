package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// KeyEnv names the environment variable holding the secret passphrase for
// "enc:" values.
const KeyEnv = "RELAYBOT_CONFIG_KEY"

// Config is the typed view of the host config file. The file itself is kept as
// a generic tree (see Store); Config is decoded from it for the runtime.
type Config struct {
	Workspace string                    `yaml:"workspace,omitempty" mapstructure:"workspace"`
	Gateway   GatewayConfig             `yaml:"gateway"             mapstructure:"gateway"`
	Logger    LoggerConfig              `yaml:"logger"              mapstructure:"logger"`
	Tracer    TracerConfig              `yaml:"tracer"              mapstructure:"tracer"`
	Plugins   PluginsConfig             `yaml:"plugins"             mapstructure:"plugins"`
	Channels  map[string]map[string]any `yaml:"channels"            mapstructure:"channels"`
	Audit     AuditConfig               `yaml:"audit"               mapstructure:"audit"`
	Status    StatusConfig              `yaml:"status"              mapstructure:"status"`
	Includes  []string                  `yaml:"includes,omitempty"  mapstructure:"includes"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr      string          `yaml:"addr"       mapstructure:"addr"`
	Tokens    []TokenConfig   `yaml:"tokens"     mapstructure:"tokens"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token" mapstructure:"token"`
	Name  string   `yaml:"name"  mapstructure:"name"`
	Roles []string `yaml:"roles" mapstructure:"roles"`
}

// RateLimitConfig bounds requests per client IP. Zero disables the limiter.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int      `yaml:"burst"            mapstructure:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"  mapstructure:"trusted_proxies"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"      mapstructure:"level"`
	Format    string `yaml:"format"     mapstructure:"format"` // "text" or "json"
	Output    string `yaml:"output"     mapstructure:"output"` // "stderr", "stdout", or a file path
	AddSource bool   `yaml:"add_source" mapstructure:"add_source"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"  mapstructure:"enabled"`
	Exporter string `yaml:"exporter" mapstructure:"exporter"` // "noop", "stdout", "stderr", "file"
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"` // file path for the "file" exporter
}

// PluginsConfig is the plugin policy section.
type PluginsConfig struct {
	Enabled bool                   `yaml:"enabled" mapstructure:"enabled"`
	Allow   []string               `yaml:"allow"   mapstructure:"allow"`
	Deny    []string               `yaml:"deny"    mapstructure:"deny"`
	Load    PluginLoadConfig       `yaml:"load"    mapstructure:"load"`
	Entries map[string]PluginEntry `yaml:"entries" mapstructure:"entries"`
	WASM    WASMConfig             `yaml:"wasm"    mapstructure:"wasm"`
}

// PluginLoadConfig lists extra plugin roots.
type PluginLoadConfig struct {
	Paths []string `yaml:"paths" mapstructure:"paths"`
}

// PluginEntry is the per-plugin override block. A nil Enabled leaves the
// decision to the allow/deny lists.
type PluginEntry struct {
	Enabled *bool          `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Config  map[string]any `yaml:"config,omitempty"  mapstructure:"config"`
}

// WASMConfig holds global sandbox defaults for WASM plugins.
type WASMConfig struct {
	MaxMemoryMB int           `yaml:"max_memory_mb" mapstructure:"max_memory_mb"`
	ExecTimeout time.Duration `yaml:"exec_timeout"  mapstructure:"exec_timeout"`
}

// AuditConfig controls the config change audit trail.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"        mapstructure:"enabled"`
	Path          string        `yaml:"path"           mapstructure:"path"`
	Retention     time.Duration `yaml:"retention"      mapstructure:"retention"`      // zero keeps everything
	PruneSchedule string        `yaml:"prune_schedule" mapstructure:"prune_schedule"` // cron spec
}

// StatusConfig tunes channel probing.
type StatusConfig struct {
	ProbeTimeout    time.Duration `yaml:"probe_timeout"    mapstructure:"probe_timeout"`
	RefreshSchedule string        `yaml:"refresh_schedule" mapstructure:"refresh_schedule"` // cron spec; empty disables
	CacheTTL        time.Duration `yaml:"cache_ttl"        mapstructure:"cache_ttl"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:18789",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Plugins: PluginsConfig{
			Enabled: true,
			Entries: map[string]PluginEntry{},
			WASM: WASMConfig{
				MaxMemoryMB: 64,
				ExecTimeout: 30 * time.Second,
			},
		},
		Channels: map[string]map[string]any{},
		Audit: AuditConfig{
			Path:          filepath.Join(StateDir(), "audit.db"),
			Retention:     90 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		Status: StatusConfig{
			ProbeTimeout:    10 * time.Second,
			RefreshSchedule: "@every 5m",
			CacheTTL:        time.Minute,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

// StateDir is the directory for runtime state (audit db, global plugins).
func StateDir() string {
	if dir := os.Getenv("RELAYBOT_STATE_DIR"); dir != "" {
		return dir
	}
	return defaultStateDir()
}

// Decode builds a typed Config from a generic tree, starting from Defaults.
// Keys absent from tree keep their default values.
func Decode(tree map[string]any) (*Config, error) {
	cfg := Defaults()
	if len(tree) == 0 {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("config decoder: %w", err)
	}
	if err := dec.Decode(tree); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads, merges, decrypts and validates the config file at path.
// A missing file yields Defaults with env overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg := Defaults()
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	parsed, err := Parse(FormatFor(absPath), data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	tree := map[string]any{}
	if parsed != nil {
		obj, ok := parsed.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parse config: top level must be an object, got %s", kindOf(parsed))
		}
		tree = obj
	}

	if len(StringSlice(tree, "includes")) > 0 {
		visited := map[string]bool{absPath: true}
		tree, err = processIncludes(tree, filepath.Dir(absPath), visited, 0)
		if err != nil {
			return nil, err
		}
	}

	if migrated := ApplyLegacyMigrations(tree); migrated.Next != nil {
		tree = migrated.Next
	}

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := DecryptTree(tree, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	cfg, err := Decode(tree)
	if err != nil {
		return nil, err
	}
	cfg.Includes = nil

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps RELAYBOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYBOT_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}

	// Gateway
	if v := os.Getenv("RELAYBOT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("RELAYBOT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("RELAYBOT_GATEWAY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.RateLimit.RequestsPerMin = n
		}
	}

	// Logger
	if v := os.Getenv("RELAYBOT_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYBOT_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYBOT_LOG_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	// Tracer
	if v := os.Getenv("RELAYBOT_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAYBOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Plugins
	if v := os.Getenv("RELAYBOT_PLUGINS_ENABLED"); v != "" {
		cfg.Plugins.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAYBOT_PLUGINS_ALLOW"); v != "" {
		cfg.Plugins.Allow = splitAndTrim(v, ",")
	}
	if v := os.Getenv("RELAYBOT_PLUGINS_DENY"); v != "" {
		cfg.Plugins.Deny = splitAndTrim(v, ",")
	}
	if v := os.Getenv("RELAYBOT_PLUGINS_PATHS"); v != "" {
		cfg.Plugins.Load.Paths = append(cfg.Plugins.Load.Paths, splitAndTrim(v, string(os.PathListSeparator))...)
	}

	// Audit
	if v := os.Getenv("RELAYBOT_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("RELAYBOT_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true" || v == "1"
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// validatePermissions rejects group- or world-writable config files.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
