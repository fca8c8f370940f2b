package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is an agent-callable function contributed by a plugin. The host
// never calls a model; it lists tools and executes them on request.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolSchema is the listing entry of a tool. Parameters holds a JSON schema
// object; input is validated against it before Execute.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult carries a tool's output. A result with IsError set is a
// tool-level failure reported to the caller, not a transport error.
type ToolResult struct {
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// ToolError builds an IsError result.
func ToolError(format string, args ...any) *ToolResult {
	return &ToolResult{IsError: true, Content: fmt.Sprintf(format, args...)}
}

// ToolContext describes who resolves tools: the config in effect and,
// for channel-bound calls, the channel account.
type ToolContext struct {
	Config       map[string]any
	WorkspaceDir string
	SessionKey   string
	Channel      string
	AccountID    string
}

// ToolFactory resolves tools for one context. Returning none is allowed.
type ToolFactory func(tc ToolContext) []Tool
