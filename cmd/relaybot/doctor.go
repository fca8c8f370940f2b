package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"relaybot/internal/adapter/audit"
	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/plugin"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a loadable config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Secrets key", Fn: checkSecretsKey(cfgPath, os.Getenv)},
		{Name: "Gateway tokens", Fn: checkGatewayTokens},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "State directory", Fn: checkStateDir},
		{Name: "Audit database", Fn: checkAuditDB},
		{Name: "Plugins", Fn: checkPlugins(cfgPath)},
	}

	fmt.Println("relaybot doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure relaybot runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nrelaybot should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! relaybot is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loads. A missing
// file is only a warning because the defaults are usable.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("config file not found at %s, defaults in use", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file load error: %v", cfgErr),
				Fix:     "Run 'relaybot config get' to see validation issues",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkSecretsKey fails when the file holds encrypted values but the
// passphrase is not exported.
func checkSecretsKey(cfgPath string, getenv func(string) string) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		data, err := os.ReadFile(cfgPath)
		if err != nil || !strings.Contains(string(data), config.EncPrefix) {
			return CheckResult{Status: StatusPass, Message: "no encrypted values in config"}
		}
		if getenv(config.KeyEnv) == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config holds encrypted values but %s is not set", config.KeyEnv),
				Fix:     fmt.Sprintf("export %s=<passphrase used with 'relaybot encrypt'>", config.KeyEnv),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is set", config.KeyEnv)}
	}
}

func checkGatewayTokens(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if len(cfg.Gateway.Tokens) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no gateway tokens configured; clients cannot authenticate",
			Fix:     "Add gateway.tokens entries with a token, name and roles",
		}
	}
	var admins int
	for _, tok := range cfg.Gateway.Tokens {
		if len(tok.Roles) == 0 || containsRole(tok.Roles, domain.AuthRoleAdmin) {
			admins++
		}
	}
	if admins == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d token(s), none with the admin role; config writes are impossible", len(cfg.Gateway.Tokens)),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d token(s), %d admin", len(cfg.Gateway.Tokens), admins)}
}

func containsRole(roles []string, want domain.AuthRole) bool {
	for _, r := range roles {
		if domain.AuthRole(r) == want {
			return true
		}
	}
	return false
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process holding the port or change gateway.addr",
		}
	}
	ln.Close()

	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s listens on all interfaces", cfg.Gateway.Addr),
			Fix:     "Bind to 127.0.0.1 unless remote clients need access",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.Gateway.Addr)}
}

func checkStateDir(_ *config.Config) CheckResult {
	dir := config.StateDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set RELAYBOT_STATE_DIR to a writable directory",
		}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Set RELAYBOT_STATE_DIR to a writable directory",
		}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is writable", dir)}
}

func checkAuditDB(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit trail disabled"}
	}
	l, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.Audit.Path, err),
			Fix:     "Check audit.path and the permissions of its directory",
		}
	}
	l.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("audit database at %s", filepath.Clean(cfg.Audit.Path))}
}

// checkPlugins runs a load pass and reports plugins that failed to load.
func checkPlugins(cfgPath string) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return CheckResult{Status: StatusFail, Message: "config not loaded"}
		}
		ctx := context.Background()
		rt := newRuntime(cfgPath, cfg, logger.Discard())
		defer rt.close(ctx)

		tree, _, err := rt.loadTree()
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error()}
		}
		return summarizePlugins(rt.loadPlugins(ctx, tree))
	}
}

func summarizePlugins(reg *plugin.Registry) CheckResult {
	var loaded int
	var failed []string
	for _, rec := range reg.Plugins {
		switch rec.Status {
		case domain.PluginLoaded:
			loaded++
		case domain.PluginError:
			failed = append(failed, fmt.Sprintf("%s (%s)", rec.ID, rec.Error))
		}
	}
	if len(failed) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d loaded, %d failed: %s", loaded, len(failed), strings.Join(failed, "; ")),
			Fix:     "Run 'relaybot plugins list' for diagnostics",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d loaded, %d channel(s), %d diagnostic(s)", loaded, len(reg.Channels), len(reg.Diagnostics)),
	}
}
