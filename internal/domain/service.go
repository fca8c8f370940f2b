package domain

import (
	"context"
	"log/slog"
)

// ServiceContext is handed to plugin services on start.
type ServiceContext struct {
	Config       map[string]any
	WorkspaceDir string
	StateDir     string
	Logger       *slog.Logger
}

// Service is a long-lived background component contributed by a plugin.
type Service interface {
	ID() string
	Start(ctx context.Context, sc ServiceContext) error
	Stop(ctx context.Context) error
}
