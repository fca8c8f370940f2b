package domain

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name   string
	Roles  []string
	ConnID string
}

// RPCHandler processes one gateway RPC request.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// HTTPHandler is a plugin HTTP handler. It returns true when it handled the request.
type HTTPHandler func(w http.ResponseWriter, r *http.Request) bool

// CommandFunc runs one CLI command.
type CommandFunc func(ctx context.Context, args []string) error

// CommandRegistrar collects CLI commands.
type CommandRegistrar interface {
	Command(name, summary string, run CommandFunc)
}

// CLIContext is handed to plugin CLI registrars.
type CLIContext struct {
	Commands     CommandRegistrar
	Config       map[string]any
	WorkspaceDir string
	Logger       *slog.Logger
}

// CLIRegistrar adds plugin commands to the host CLI.
type CLIRegistrar func(cc CLIContext)
