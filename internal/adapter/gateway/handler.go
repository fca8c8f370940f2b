package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/plugin"
	"relaybot/internal/usecase/channels"
	"relaybot/internal/usecase/configsync"
	"relaybot/internal/usecase/pluginhost"
)

// CoreMethods are the gateway methods owned by the host. Plugins may not
// register them.
var CoreMethods = []string{
	"config.get",
	"config.schema",
	"config.set",
	"config.patch",
	"plugins.list",
	"channels.status",
	"channels.send",
	"channels.start",
	"channels.stop",
	"tools.list",
	"tools.invoke",
}

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Config   *configsync.Service
	Plugins  pluginhost.ActiveRegistry
	Host     *pluginhost.Host
	Channels channels.Source
	Manager  *channels.Manager
	Status   *channels.StatusService
	Outbound *channels.Outbound
	Audit    domain.AuditLogger // can be nil
	Logger   *slog.Logger

	// ConfigTree returns the current validated config tree.
	ConfigTree func() map[string]any
	// RunContext bounds workers started through channels.start.
	RunContext   context.Context
	WorkspaceDir string
}

func (d HandlerDeps) config() map[string]any {
	if d.ConfigTree == nil {
		return map[string]any{}
	}
	if cfg := d.ConfigTree(); cfg != nil {
		return cfg
	}
	return map[string]any{}
}

func (d HandlerDeps) audit(ctx context.Context, ev domain.AuditEvent) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Log(ctx, ev); err != nil && d.Logger != nil {
		d.Logger.Warn("audit write failed", "type", ev.Type, "error", err)
	}
}

// requirePerm wraps an RPCHandler with RBAC enforcement. Denials are audited.
func requirePerm(deps HandlerDeps, perm domain.Permission, handler domain.RPCHandler) domain.RPCHandler {
	return func(ctx context.Context, client *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if err := authorize(client, perm); err != nil {
			deps.audit(ctx, domain.AuditEvent{
				Timestamp: time.Now(),
				Type:      domain.AuditAccessDenied,
				Actor:     client.Name,
				Resource:  string(perm),
				Action:    "rpc_call",
				Outcome:   "denied",
				Detail: map[string]string{
					"roles":      fmt.Sprintf("%v", client.Roles),
					"permission": string(perm),
				},
			})
			return nil, err
		}
		return handler(ctx, client, payload)
	}
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	rpc := func(method string, perm domain.Permission, h domain.RPCHandler) {
		s.RegisterHandler(method, requirePerm(deps, perm, h))
	}

	rpc("config.get", domain.PermConfigRead, configGetHandler(deps))
	rpc("config.schema", domain.PermConfigRead, configSchemaHandler(deps))
	rpc("config.set", domain.PermConfigWrite, configWriteHandler("config.set", deps.Config.Set))
	rpc("config.patch", domain.PermConfigWrite, configWriteHandler("config.patch", deps.Config.Patch))
	rpc("plugins.list", domain.PermPluginsRead, pluginsListHandler(deps))
	rpc("channels.status", domain.PermChannelsRead, channelsStatusHandler(deps))
	rpc("channels.send", domain.PermChannelsSend, channelsSendHandler(deps))
	rpc("channels.start", domain.PermChannelsManage, channelsStartHandler(deps))
	rpc("channels.stop", domain.PermChannelsManage, channelsStopHandler(deps))
	rpc("tools.list", domain.PermPluginsRead, toolsListHandler(deps))
	rpc("tools.invoke", domain.PermPluginsInvoke, toolsInvokeHandler(deps))
}

func configGetHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		p, err := configsync.DecodeParams[configsync.GetParams]("config.get", payload)
		if err != nil {
			return nil, err
		}
		snap, err := deps.Config.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(snap)
	}
}

func configSchemaHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		p, err := configsync.DecodeParams[configsync.SchemaParams]("config.schema", payload)
		if err != nil {
			return nil, err
		}
		schema, err := deps.Config.Schema(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(schema)
	}
}

type configWriter func(ctx context.Context, actor string, p configsync.WriteParams) (*configsync.WriteResponse, error)

func configWriteHandler(method string, write configWriter) domain.RPCHandler {
	return func(ctx context.Context, client *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		p, err := configsync.DecodeParams[configsync.WriteParams](method, payload)
		if err != nil {
			return nil, err
		}
		resp, err := write(ctx, client.Name, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

type pluginsListResponse struct {
	Plugins        []*domain.PluginRecord    `json:"plugins"`
	Diagnostics    []domain.PluginDiagnostic `json:"diagnostics"`
	GatewayMethods []string                  `json:"gatewayMethods"`
}

func pluginsListHandler(deps HandlerDeps) domain.RPCHandler {
	return func(_ context.Context, _ *domain.ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		reg := activeRegistry(deps)
		return json.Marshal(pluginsListResponse{
			Plugins:        reg.Plugins,
			Diagnostics:    reg.Diagnostics,
			GatewayMethods: reg.GatewayMethods(),
		})
	}
}

func activeRegistry(deps HandlerDeps) *plugin.Registry {
	if deps.Plugins != nil {
		if reg := deps.Plugins(); reg != nil {
			return reg
		}
	}
	return plugin.NewRegistry(nil, deps.Logger)
}

func channelsStatusHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		opts, err := configsync.DecodeParams[channels.StatusOptions]("channels.status", payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(deps.Status.Snapshot(ctx, deps.config(), opts))
	}
}

func channelsSendHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		req, err := configsync.DecodeParams[channels.SendRequest]("channels.send", payload)
		if err != nil {
			return nil, err
		}
		res, err := deps.Outbound.Send(ctx, deps.config(), req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

// accountParams selects one channel account. An empty account id means the
// channel's default account.
type accountParams struct {
	Channel   string `json:"channel"             validate:"required"`
	AccountID string `json:"accountId,omitempty"`
}

type accountResponse struct {
	OK        bool   `json:"ok"`
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
}

func resolveAccount(deps HandlerDeps, method string, payload json.RawMessage) (plugin.ChannelEntry, string, error) {
	p, err := configsync.DecodeParams[accountParams](method, payload)
	if err != nil {
		return plugin.ChannelEntry{}, "", err
	}
	entry, ok := channels.Lookup(deps.Channels, p.Channel)
	if !ok {
		return plugin.ChannelEntry{}, "", domain.NewSubSystemError("channel", method, domain.ErrNotFound, p.Channel)
	}
	accountID := p.AccountID
	if accountID == "" {
		accountID = entry.Plugin.DefaultAccountID(deps.config())
	}
	return entry, accountID, nil
}

func channelsStartHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, client *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		entry, accountID, err := resolveAccount(deps, "channels.start", payload)
		if err != nil {
			return nil, err
		}
		cfg := deps.config()
		acct := entry.Plugin.ResolveAccount(cfg, accountID)
		if !acct.Enabled {
			return nil, domain.NewSubSystemError("account", "channels.start", domain.ErrDisabled, entry.Plugin.ID()+"/"+accountID)
		}
		runCtx := deps.RunContext
		if runCtx == nil {
			runCtx = context.Background()
		}
		if err := deps.Manager.StartAccount(runCtx, cfg, entry, acct); err != nil {
			return nil, err
		}
		deps.audit(ctx, domain.AuditEvent{
			Type:     domain.AuditChannelStart,
			Actor:    client.Name,
			Action:   "channels.start",
			Resource: entry.Plugin.ID() + "/" + accountID,
			Outcome:  "ok",
		})
		return json.Marshal(accountResponse{OK: true, Channel: entry.Plugin.ID(), AccountID: accountID})
	}
}

func channelsStopHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, client *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		entry, accountID, err := resolveAccount(deps, "channels.stop", payload)
		if err != nil {
			return nil, err
		}
		if err := deps.Manager.Stop(ctx, entry.Plugin.ID(), accountID); err != nil {
			return nil, err
		}
		deps.audit(ctx, domain.AuditEvent{
			Type:     domain.AuditChannelStop,
			Actor:    client.Name,
			Action:   "channels.stop",
			Resource: entry.Plugin.ID() + "/" + accountID,
			Outcome:  "ok",
		})
		return json.Marshal(accountResponse{OK: true, Channel: entry.Plugin.ID(), AccountID: accountID})
	}
}

// toolScope is the call context a client selects for tool resolution.
type toolScope struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
}

func (t toolScope) context(deps HandlerDeps) domain.ToolContext {
	return domain.ToolContext{
		Config:       deps.config(),
		WorkspaceDir: deps.WorkspaceDir,
		SessionKey:   t.SessionKey,
		Channel:      t.Channel,
		AccountID:    t.AccountID,
	}
}

type invokeParams struct {
	toolScope
	Tool   string          `json:"tool"             validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

func toolsListHandler(deps HandlerDeps) domain.RPCHandler {
	return func(_ context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		scope, err := configsync.DecodeParams[toolScope]("tools.list", payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"tools": deps.Host.ToolSchemas(scope.context(deps))})
	}
}

func toolsInvokeHandler(deps HandlerDeps) domain.RPCHandler {
	return func(ctx context.Context, _ *domain.ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		p, err := configsync.DecodeParams[invokeParams]("tools.invoke", payload)
		if err != nil {
			return nil, err
		}
		res, err := deps.Host.ExecuteTool(ctx, p.toolScope.context(deps), p.Tool, p.Params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}
