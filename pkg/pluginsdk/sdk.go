// Package pluginsdk provides types and helpers for relaybot plugin developers.
//
// NOTE: This package re-exports internal types via aliases. It is usable by
// plugins compiled into the relaybot module (builtin plugins). Out-of-tree
// plugins are written as WASM guests; see the wasm subpackage.
package pluginsdk

import (
	"context"
	"encoding/json"
	"fmt"

	"relaybot/internal/domain"
	"relaybot/internal/plugin"
)

// Re-exported registration types.
type (
	API                 = plugin.API
	Definition          = plugin.Definition
	RegisterFunc        = plugin.RegisterFunc
	ConfigSchema        = plugin.ConfigSchema
	ConfigValidator     = plugin.ConfigValidator
	ValidatorFunc       = plugin.ValidatorFunc
	ValidateFunc        = plugin.ValidateFunc
	SafeParseFunc       = plugin.SafeParseFunc
	SafeParseResult     = plugin.SafeParseResult
	SchemaIssue         = plugin.SchemaIssue
	ParseFunc           = plugin.ParseFunc
	ToolOptions         = plugin.ToolOptions
	CLIOptions          = plugin.CLIOptions
	ChannelRegistration = plugin.ChannelRegistration
)

// Re-exported domain types.
type (
	Issue          = domain.Issue
	ConfigUIHint   = domain.ConfigUIHint
	Tool           = domain.Tool
	ToolSchema     = domain.ToolSchema
	ToolResult     = domain.ToolResult
	ToolContext    = domain.ToolContext
	ToolFactory    = domain.ToolFactory
	ClientInfo     = domain.ClientInfo
	RPCHandler     = domain.RPCHandler
	HTTPHandler    = domain.HTTPHandler
	CLIContext     = domain.CLIContext
	CLIRegistrar   = domain.CLIRegistrar
	ProviderPlugin = domain.ProviderPlugin
	Service        = domain.Service
	ServiceContext = domain.ServiceContext
	ChannelPlugin  = domain.ChannelPlugin
	ChannelDock    = domain.ChannelDock
	InboundMessage = domain.InboundMessage
)

// FuncTool is a domain.Tool backed by a function.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Parameters      json.RawMessage
	Fn              func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// NewTool creates a FuncTool. A nil schema becomes {"type":"object"}.
func NewTool(name, description string, schema json.RawMessage, fn func(ctx context.Context, params json.RawMessage) (*ToolResult, error)) *FuncTool {
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &FuncTool{ToolName: name, ToolDescription: description, Parameters: schema, Fn: fn}
}

func (t *FuncTool) Name() string        { return t.ToolName }
func (t *FuncTool) Description() string { return t.ToolDescription }

func (t *FuncTool) Schema() ToolSchema {
	return ToolSchema{Name: t.ToolName, Description: t.ToolDescription, Parameters: t.Parameters}
}

// Execute runs Fn. A nil Fn reports an error result.
func (t *FuncTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.Fn == nil {
		return &ToolResult{Content: "tool not implemented", IsError: true}, nil
	}
	return t.Fn(ctx, params)
}

// BaseService provides no-op Start and Stop. Embed it and override what you
// need.
type BaseService struct {
	ServiceID string
}

func (b BaseService) ID() string                                      { return b.ServiceID }
func (b BaseService) Start(_ context.Context, _ ServiceContext) error { return nil }
func (b BaseService) Stop(_ context.Context) error                    { return nil }

// JSONHandler adapts a typed function to an RPCHandler. The payload is
// decoded into Req (an empty payload decodes as the zero value) and the
// response is encoded as JSON.
func JSONHandler[Req, Resp any](fn func(ctx context.Context, client *ClientInfo, req Req) (Resp, error)) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("%w: decode params: %v", domain.ErrInvalidInput, err)
			}
		}
		resp, err := fn(ctx, client, req)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return out, nil
	}
}
