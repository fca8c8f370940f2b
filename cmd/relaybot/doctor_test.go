package main

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/plugin"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestCheckConfigFile(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.yaml")
	writeTestFile(t, existing, "gateway:\n  addr: 127.0.0.1:0\n")

	tests := []struct {
		name    string
		path    string
		loadErr error
		want    CheckStatus
		wantFix bool
	}{
		{name: "missing file", path: filepath.Join(dir, "nope.yaml"), want: StatusWarn, wantFix: true},
		{name: "load error", path: existing, loadErr: errors.New("bad yaml"), want: StatusFail, wantFix: true},
		{name: "valid", path: existing, want: StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checkConfigFile(tt.path, tt.loadErr)(nil)
			assert.Equal(t, tt.want, result.Status, result.Message)
			assert.Equal(t, tt.wantFix, result.Fix != "")
		})
	}
}

func TestCheckSecretsKey(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.yaml")
	writeTestFile(t, plain, "channels: {}\n")
	encrypted := filepath.Join(dir, "enc.yaml")
	writeTestFile(t, encrypted, "channels:\n  slack:\n    botToken: enc:abcd:ef01\n")

	withKey := func(string) string { return "secret" }
	noKey := func(string) string { return "" }

	assert.Equal(t, StatusPass, checkSecretsKey(plain, noKey)(nil).Status)
	assert.Equal(t, StatusPass, checkSecretsKey(filepath.Join(dir, "missing.yaml"), noKey)(nil).Status)
	assert.Equal(t, StatusPass, checkSecretsKey(encrypted, withKey)(nil).Status)

	result := checkSecretsKey(encrypted, noKey)(nil)
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Fix, config.KeyEnv)
}

func TestCheckGatewayTokens(t *testing.T) {
	tests := []struct {
		name   string
		tokens []config.TokenConfig
		want   CheckStatus
	}{
		{name: "none", want: StatusFail},
		{name: "viewer only", tokens: []config.TokenConfig{{Token: "a", Roles: []string{"viewer"}}}, want: StatusWarn},
		{name: "admin", tokens: []config.TokenConfig{{Token: "a", Roles: []string{"admin"}}}, want: StatusPass},
		{name: "no roles counts as admin", tokens: []config.TokenConfig{{Token: "a"}}, want: StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Gateway.Tokens = tt.tokens
			assert.Equal(t, tt.want, checkGatewayTokens(cfg).Status)
		})
	}

	assert.Equal(t, StatusFail, checkGatewayTokens(nil).Status)
}

func TestCheckGatewayAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tests := []struct {
		name string
		addr string
		want CheckStatus
	}{
		{name: "free loopback port", addr: "127.0.0.1:0", want: StatusPass},
		{name: "port in use", addr: ln.Addr().String(), want: StatusWarn},
		{name: "all interfaces", addr: "0.0.0.0:0", want: StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Gateway.Addr = tt.addr
			assert.Equal(t, tt.want, checkGatewayAddr(cfg).Status)
		})
	}
}

func TestCheckStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	t.Setenv("RELAYBOT_STATE_DIR", dir)

	result := checkStateDir(nil)
	assert.Equal(t, StatusPass, result.Status, result.Message)
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckAuditDB(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, StatusPass, checkAuditDB(cfg).Status)

	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit", "audit.db")
	result := checkAuditDB(cfg)
	assert.Equal(t, StatusPass, result.Status, result.Message)
	assert.FileExists(t, cfg.Audit.Path)
}

func TestSummarizePlugins(t *testing.T) {
	reg := plugin.NewRegistry(nil, logger.Discard())
	reg.Plugins = []*domain.PluginRecord{
		{ID: "discord", Status: domain.PluginLoaded},
		{ID: "slack", Status: domain.PluginDisabled},
	}
	result := summarizePlugins(reg)
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "1 loaded")

	reg.Plugins = append(reg.Plugins, &domain.PluginRecord{ID: "broken", Status: domain.PluginError, Error: "boom"})
	result = summarizePlugins(reg)
	assert.Equal(t, StatusWarn, result.Status)
	assert.Contains(t, result.Message, "broken (boom)")
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, "[PASS]", statusIcon(StatusPass))
	assert.Equal(t, "[WARN]", statusIcon(StatusWarn))
	assert.Equal(t, "[FAIL]", statusIcon(StatusFail))
	assert.Equal(t, "[????]", statusIcon("other"))
}
