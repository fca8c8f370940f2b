package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"relaybot/internal/adapter/channel"
	"relaybot/internal/adapter/gateway"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/plugin"
	"relaybot/internal/plugin/wasm"
	"relaybot/internal/usecase/pluginhost"
)

// runtime holds the components shared by the server and the CLI commands.
type runtime struct {
	cfg    *config.Config
	store  *config.Store
	logger *slog.Logger

	builtins *plugin.Builtins
	wasm     *wasm.ModuleLoader
	loader   *plugin.Loader
	host     *pluginhost.Host
	live     *liveConfig
}

func newRuntime(cfgPath string, cfg *config.Config, log *slog.Logger) *runtime {
	builtins := plugin.NewBuiltins()
	channel.RegisterBuiltins(builtins)

	limits := wasm.DefaultLimits()
	if cfg.Plugins.WASM.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = cfg.Plugins.WASM.MaxMemoryMB
	}
	if cfg.Plugins.WASM.ExecTimeout > 0 {
		limits.ExecTimeout = cfg.Plugins.WASM.ExecTimeout
	}
	wasmLoader := wasm.NewModuleLoader(limits, log)

	discovery := plugin.NewDirDiscovery(builtins.Candidates())
	modules := &plugin.SourceLoader{Builtins: builtins, WASM: wasmLoader}
	loader := plugin.NewLoader(discovery, modules, plugin.NewRegistryCache(0), log)

	return &runtime{
		cfg:      cfg,
		store:    config.NewStore(cfgPath),
		logger:   log,
		builtins: builtins,
		wasm:     wasmLoader,
		loader:   loader,
		host:     pluginhost.New(pluginhost.FromLoader(loader), log),
		live:     &liveConfig{tree: map[string]any{}},
	}
}

// openRuntime loads the config and runs one plugin pass for a CLI command.
// Logging goes to stderr at warn level so command output stays clean.
func openRuntime(ctx context.Context) (*runtime, map[string]any, error) {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, _, err := logger.New(config.LoggerConfig{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	rt := newRuntime(cfgPath, cfg, log)
	tree, hash, err := rt.loadTree()
	if err != nil {
		rt.close(ctx)
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	rt.live.swap(tree, hash)
	rt.loadPlugins(ctx, tree)
	return rt, tree, nil
}

func (rt *runtime) workspaceDir() string {
	if rt.cfg.Workspace != "" {
		return rt.cfg.Workspace
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// loadTree reads the config file as a generic tree with secrets decrypted.
// A missing file yields an empty tree.
func (rt *runtime) loadTree() (map[string]any, string, error) {
	snap, err := rt.store.Read()
	if err != nil {
		return nil, "", err
	}
	if !snap.Valid {
		msgs := make([]string, 0, len(snap.Issues))
		for _, issue := range snap.Issues {
			msgs = append(msgs, issue.String())
		}
		return nil, "", fmt.Errorf("%s is invalid: %s", snap.Path, strings.Join(msgs, "; "))
	}

	tree, err := decryptSecrets(config.Clone(snap.Config))
	if err != nil {
		return nil, "", err
	}
	return tree, snap.Hash, nil
}

// decryptSecrets decrypts enc: values in place when a passphrase is set.
func decryptSecrets(tree map[string]any) (map[string]any, error) {
	if passphrase := os.Getenv(config.KeyEnv); passphrase != "" {
		if err := config.DecryptTree(tree, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}
	return tree, nil
}

func (rt *runtime) loadPlugins(ctx context.Context, tree map[string]any) *plugin.Registry {
	return rt.loader.Load(ctx, plugin.LoadOptions{
		Config:             tree,
		WorkspaceDir:       rt.workspaceDir(),
		Logger:             rt.logger,
		CoreGatewayMethods: gateway.CoreMethods,
	})
}

func (rt *runtime) registry() *plugin.Registry {
	reg, _ := rt.loader.Active()
	if reg == nil {
		return plugin.NewRegistry(gateway.CoreMethods, rt.logger)
	}
	return reg
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.wasm.Close(ctx); err != nil {
		rt.logger.Warn("wasm loader close failed", "error", err)
	}
}

// liveConfig is the config tree currently in effect.
type liveConfig struct {
	mu   sync.RWMutex
	tree map[string]any
	hash string
}

func (l *liveConfig) Get() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree
}

// swap installs tree and reports whether hash differs from the current one.
func (l *liveConfig) swap(tree map[string]any, hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash != "" && l.hash == hash {
		return false
	}
	l.tree, l.hash = tree, hash
	return true
}
