package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Gateway.Addr != "127.0.0.1:18789" {
		t.Errorf("Gateway.Addr = %q", cfg.Gateway.Addr)
	}
	if !cfg.Plugins.Enabled {
		t.Error("plugins should be enabled by default")
	}
	if cfg.Plugins.WASM.ExecTimeout != 30*time.Second {
		t.Errorf("WASM.ExecTimeout = %v, want 30s", cfg.Plugins.WASM.ExecTimeout)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("expected defaults, got Logger.Level=%q", cfg.Logger.Level)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
gateway:
  addr: "0.0.0.0:9000"
  tokens:
    - token: "secret"
      name: "admin"
      roles: ["admin"]
logger:
  level: "debug"
plugins:
  allow: ["echo", "weather"]
  entries:
    echo:
      enabled: false
      config:
        greeting: "hi"
  wasm:
    exec_timeout: "45s"
channels:
  discord:
    token: "abc"
status:
  probe_timeout: "3s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != "0.0.0.0:9000" {
		t.Errorf("Gateway.Addr = %q", cfg.Gateway.Addr)
	}
	if len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0].Roles[0] != "admin" {
		t.Errorf("Gateway.Tokens = %+v", cfg.Gateway.Tokens)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
	if len(cfg.Plugins.Allow) != 2 {
		t.Errorf("Plugins.Allow = %v", cfg.Plugins.Allow)
	}
	entry, ok := cfg.Plugins.Entries["echo"]
	if !ok || entry.Enabled == nil || *entry.Enabled {
		t.Errorf("Plugins.Entries[echo] = %+v", entry)
	}
	if entry.Config["greeting"] != "hi" {
		t.Errorf("echo config = %v", entry.Config)
	}
	if cfg.Plugins.WASM.ExecTimeout != 45*time.Second {
		t.Errorf("WASM.ExecTimeout = %v, want 45s", cfg.Plugins.WASM.ExecTimeout)
	}
	if cfg.Plugins.WASM.MaxMemoryMB != 64 {
		t.Errorf("WASM.MaxMemoryMB = %d, want default 64", cfg.Plugins.WASM.MaxMemoryMB)
	}
	if cfg.Channels["discord"]["token"] != "abc" {
		t.Errorf("channels.discord = %v", cfg.Channels["discord"])
	}
	if cfg.Status.ProbeTimeout != 3*time.Second {
		t.Errorf("Status.ProbeTimeout = %v", cfg.Status.ProbeTimeout)
	}
}

func TestLoadJSONWithComments(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.json", `{
  // operator notes
  "logger": {"level": "warn",},
  "plugins": {"deny": ["bad"]},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn", cfg.Logger.Level)
	}
	if len(cfg.Plugins.Deny) != 1 || cfg.Plugins.Deny[0] != "bad" {
		t.Errorf("Plugins.Deny = %v", cfg.Plugins.Deny)
	}
}

func TestLoadMigratesLegacyKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
discord:
  token: "abc"
gateway:
  token: "legacy-token"
plugins:
  enable: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels["discord"]["token"] != "abc" {
		t.Errorf("discord section not migrated: %v", cfg.Channels)
	}
	if len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0].Token != "legacy-token" {
		t.Errorf("gateway.token not migrated: %+v", cfg.Gateway.Tokens)
	}
	if cfg.Plugins.Enabled {
		t.Error("plugins.enable=false not migrated")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "logger:\n  level: info\n")
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for world-writable config")
	}
	if !strings.Contains(err.Error(), "insecure permissions") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadReadableByOthersAllowed(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "logger:\n  level: info\n")
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("0644 should be accepted: %v", err)
	}
}

func TestLoadTopLevelNotObject(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "- a\n- b\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for list at top level")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
gateway:
  addr: "not-an-address"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "gateway.addr") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYBOT_LOG_LEVEL", "error")
	t.Setenv("RELAYBOT_GATEWAY_ADDR", "127.0.0.1:7000")
	t.Setenv("RELAYBOT_GATEWAY_TOKEN", "env-token")
	t.Setenv("RELAYBOT_PLUGINS_ENABLED", "false")
	t.Setenv("RELAYBOT_PLUGINS_ALLOW", "a, b ,,c")
	t.Setenv("RELAYBOT_PLUGINS_PATHS", "/x"+string(os.PathListSeparator)+"/y")
	t.Setenv("RELAYBOT_TRACER_ENABLED", "1")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "error" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if cfg.Gateway.Addr != "127.0.0.1:7000" {
		t.Errorf("Gateway.Addr = %q", cfg.Gateway.Addr)
	}
	if len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0].Token != "env-token" || cfg.Gateway.Tokens[0].Roles[0] != "admin" {
		t.Errorf("Gateway.Tokens = %+v", cfg.Gateway.Tokens)
	}
	if cfg.Plugins.Enabled {
		t.Error("Plugins.Enabled should be false")
	}
	if strings.Join(cfg.Plugins.Allow, ",") != "a,b,c" {
		t.Errorf("Plugins.Allow = %v", cfg.Plugins.Allow)
	}
	if len(cfg.Plugins.Load.Paths) != 2 {
		t.Errorf("Plugins.Load.Paths = %v", cfg.Plugins.Load.Paths)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
}

func TestDecodeKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Decode(map[string]any{
		"logger": map[string]any{"format": "json"},
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q", cfg.Logger.Format)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want default info", cfg.Logger.Level)
	}
}

func TestDecodeRejectsWrongShape(t *testing.T) {
	_, err := Decode(map[string]any{"channels": map[string]any{"discord": "not-an-object"}})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("bot-token", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	got, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "bot-token" {
		t.Errorf("got %q, want bot-token", got)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
	if _, err := DecryptValue("no-separator", "passphrase"); err == nil {
		t.Error("expected error for malformed value")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("plain-token", "k3y")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
gateway:
  tokens:
    - token: "`+EncPrefix+enc+`"
      roles: ["viewer"]
channels:
  slack:
    bot_token: "`+EncPrefix+enc+`"
`)
	t.Setenv(KeyEnv, "k3y")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Tokens[0].Token != "plain-token" {
		t.Errorf("gateway token = %q", cfg.Gateway.Tokens[0].Token)
	}
	if cfg.Channels["slack"]["bot_token"] != "plain-token" {
		t.Errorf("slack bot_token = %v", cfg.Channels["slack"]["bot_token"])
	}
}

func TestLoadDecryptWrongKey(t *testing.T) {
	enc, err := EncryptValue("plain-token", "right")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "channels:\n  slack:\n    bot_token: \""+EncPrefix+enc+"\"\n")
	t.Setenv(KeyEnv, "wrong")

	_, err = Load(path)
	if err == nil {
		t.Fatal("expected decrypt error")
	}
	if !strings.Contains(err.Error(), "channels.slack.bot_token") {
		t.Errorf("error should name the key: %v", err)
	}
}
