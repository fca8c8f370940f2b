package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"relaybot/internal/adapter/audit"
	"relaybot/internal/adapter/gateway"
	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/infra/middleware"
	"relaybot/internal/infra/tracer"
	"relaybot/internal/usecase/channels"
	"relaybot/internal/usecase/configsync"
	"relaybot/internal/usecase/pluginhost"
	"relaybot/internal/usecase/scheduling"
)

func run() error {
	// 1. Config
	cfgPath := configPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "no config file at %s, starting with defaults\n", cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	if len(cfg.Gateway.Tokens) == 0 {
		log.Warn("no gateway tokens configured; every RPC and REST call will be rejected")
	}

	// 3. Plugins
	rt := newRuntime(cfgPath, cfg, log)
	defer rt.close(context.Background())

	tree, hash, err := rt.loadTree()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rt.live.swap(tree, hash)
	reg := rt.loadPlugins(ctx, tree)
	log.Info("plugins loaded",
		"plugins", len(reg.Plugins),
		"channels", len(reg.Channels),
		"tools", len(reg.Tools),
		"diagnostics", len(reg.Diagnostics),
	)

	// 4. Audit trail
	scheduler := scheduling.NewScheduler(log)
	defer scheduler.Stop()

	var auditLog domain.AuditLogger
	if cfg.Audit.Enabled {
		sqlAudit, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer sqlAudit.Close()
		auditLog = sqlAudit
		logPluginsLoaded(ctx, auditLog, reg.Plugins, log)

		if cfg.Audit.Retention > 0 && cfg.Audit.PruneSchedule != "" {
			err := scheduler.Add(scheduling.Task{
				Name:     "audit_retention",
				Schedule: cfg.Audit.PruneSchedule,
				Run: func(ctx context.Context) error {
					n, err := sqlAudit.Prune(ctx, cfg.Audit.Retention)
					if n > 0 {
						log.Info("audit pruned", "rows", n)
					}
					return err
				},
			})
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			_ = scheduler.RunNow(ctx, "audit_retention")
		}
	}

	// 5. Channels
	source := channels.RegistrySource(rt.loader)
	var srv *gateway.Server
	manager := channels.NewManager(source, func(msg domain.InboundMessage) {
		srv.Broadcast("channel.inbound", msg)
	}, log)
	status := channels.NewStatusService(source, manager, channels.StatusServiceConfig{
		ProbeTimeout: cfg.Status.ProbeTimeout,
		CacheTTL:     cfg.Status.CacheTTL,
	}, log)
	outbound := channels.NewOutbound(source, manager, channels.BreakerConfig{}, log)

	// 6. Gateway
	var reload func()
	configs := configsync.NewService(configsync.Deps{
		Store:              rt.store,
		Loader:             rt.loader,
		Audit:              auditLog,
		Logger:             log,
		Version:            version,
		WorkspaceDir:       rt.workspaceDir(),
		CoreGatewayMethods: gateway.CoreMethods,
		PrepareTree:        decryptSecrets,
		OnWrite:            func(*config.WriteResult) { reload() },
	})

	metrics := gateway.NewMetrics()
	metrics.TrackPlugins(pluginhost.FromLoader(rt.loader))
	metrics.TrackChannelWorkers(func() int { return len(manager.Running()) })

	srv = gateway.NewServer(gateway.NewStaticTokenAuth(cfg.Gateway.Tokens), cfg.Gateway.Addr, log,
		gateway.WithMetrics(metrics),
		gateway.WithMiddleware(middleware.SecurityHeaders, middleware.RateLimit(cfg.Gateway.RateLimit)),
	)
	deps := gateway.HandlerDeps{
		Config:       configs,
		Plugins:      pluginhost.FromLoader(rt.loader),
		Host:         rt.host,
		Channels:     source,
		Manager:      manager,
		Status:       status,
		Outbound:     outbound,
		Audit:        auditLog,
		Logger:       log,
		ConfigTree:   rt.live.Get,
		RunContext:   ctx,
		WorkspaceDir: rt.workspaceDir(),
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)
	if methods := rt.host.RegisterGatewayMethods(srv); len(methods) > 0 {
		log.Info("plugin gateway methods registered", "methods", methods)
	}

	// 7. Workers and services
	serviceContext := func(tree map[string]any) domain.ServiceContext {
		return domain.ServiceContext{Config: tree, WorkspaceDir: rt.workspaceDir(), StateDir: config.StateDir()}
	}
	manager.Start(ctx, tree)
	rt.host.StartServices(ctx, serviceContext(tree))
	if cfg.Status.RefreshSchedule != "" {
		err := scheduler.Add(scheduling.Task{
			Name:     "status_refresh",
			Schedule: cfg.Status.RefreshSchedule,
			Timeout:  2 * cfg.Status.ProbeTimeout,
			Run:      func(ctx context.Context) error { return status.Refresh(ctx, rt.live.Get()) },
		})
		if err != nil {
			log.Warn("status refresh disabled", "error", err)
		}
	}
	scheduler.Start(ctx)

	// 8. Hot reload
	var reloadMu sync.Mutex
	reload = func() {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		tree, hash, err := rt.loadTree()
		if err != nil {
			log.Warn("config reload skipped", "error", err)
			return
		}
		if !rt.live.swap(tree, hash) {
			return
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.host.StopServices(stopCtx); err != nil {
			log.Warn("plugin services stop failed", "error", err)
		}

		rt.loader.Invalidate()
		reg := rt.loadPlugins(ctx, tree)
		rt.host.RegisterGatewayMethods(srv)
		if err := manager.Restart(stopCtx, ctx, tree); err != nil {
			log.Warn("channel restart failed", "error", err)
		}
		rt.host.StartServices(ctx, serviceContext(tree))
		if auditLog != nil {
			logPluginsLoaded(ctx, auditLog, reg.Plugins, log)
		}
		log.Info("config reloaded", "plugins", len(reg.Plugins), "channels", len(reg.Channels))
	}

	watcher := config.NewWatcher(cfgPath, 0, log, reload)
	if err := watcher.Start(ctx); err != nil {
		log.Warn("config watch disabled", "error", err)
	}

	// 9. Serve
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	log.Info("relaybot started", "version", version, "addr", cfg.Gateway.Addr, "config", cfgPath)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scheduler.Stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("gateway stop failed", "error", err)
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Warn("channel stop failed", "error", err)
	}
	if err := rt.host.StopServices(shutdownCtx); err != nil {
		log.Warn("plugin services stop failed", "error", err)
	}
	return serveErr
}

func logPluginsLoaded(ctx context.Context, auditLog domain.AuditLogger, records []*domain.PluginRecord, log *slog.Logger) {
	counts := map[domain.PluginStatus]int{}
	for _, rec := range records {
		counts[rec.Status]++
	}
	err := auditLog.Log(ctx, domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      domain.AuditPluginsLoaded,
		Actor:     "system",
		Action:    "plugins_load",
		Outcome:   "success",
		Detail: map[string]string{
			"loaded":   strconv.Itoa(counts[domain.PluginLoaded]),
			"disabled": strconv.Itoa(counts[domain.PluginDisabled]),
			"error":    strconv.Itoa(counts[domain.PluginError]),
		},
	})
	if err != nil {
		log.Warn("audit write failed", "type", domain.AuditPluginsLoaded, "error", err)
	}
}
