package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"

	"relaybot/internal/domain"
)

// Runtime wraps the wazero runtime owned by one guest. Each guest gets its
// own runtime so the host module can be instantiated per guest and the
// memory limit applies per plugin.
type Runtime struct {
	inner  wazero.Runtime
	pages  uint32
	logger *slog.Logger
}

// NewRuntime creates a runtime whose memories are capped at maxPages 64 KiB
// pages. The caller must call Close when done.
func NewRuntime(ctx context.Context, maxPages uint32, logger *slog.Logger) *Runtime {
	if maxPages == 0 {
		maxPages = uint32(DefaultLimits().MaxMemoryMB) * 16
	}
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(maxPages)

	logger.Debug("wasm runtime created", "max_memory_pages", maxPages, "max_memory_mb", maxPages/16)
	return &Runtime{
		inner:  wazero.NewRuntimeWithConfig(ctx, cfg),
		pages:  maxPages,
		logger: logger,
	}
}

// Inner returns the underlying wazero.Runtime.
func (r *Runtime) Inner() wazero.Runtime {
	return r.inner
}

// Close releases everything instantiated in the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.inner.Close(ctx); err != nil {
		return fmt.Errorf("%w: close wasm runtime: %v", domain.ErrPluginLoad, err)
	}
	return nil
}
