package wasm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
	"relaybot/internal/infra/logger"
)

func TestNewSandbox_Defaults(t *testing.T) {
	sb := NewSandbox(nil, Limits{}, logger.Discard())

	assert.Equal(t, 64, sb.MaxMemoryMB())
	assert.Equal(t, 30*time.Second, sb.ExecTimeout())
	assert.True(t, sb.AllowCapability(CapLog), "log should always be allowed")
	assert.True(t, sb.AllowCapability(CapConfig), "config should always be allowed")
	assert.False(t, sb.AllowCapability(CapTool), "tool should not be allowed by default")
	assert.False(t, sb.AllowCapability(CapGateway), "gateway should not be allowed by default")
}

func TestNewSandbox_HostDefaults(t *testing.T) {
	sb := NewSandbox(&domain.WASMPluginConfig{}, Limits{MaxMemoryMB: 8, ExecTimeout: time.Second}, logger.Discard())

	assert.Equal(t, 8, sb.MaxMemoryMB())
	assert.Equal(t, time.Second, sb.ExecTimeout())
}

func TestNewSandbox_ExplicitCapabilities(t *testing.T) {
	sb := NewSandbox(&domain.WASMPluginConfig{
		MaxMemoryMB:  128,
		ExecTimeout:  10 * time.Second,
		Capabilities: []string{CapTool, CapGateway},
	}, DefaultLimits(), logger.Discard())

	assert.Equal(t, 128, sb.MaxMemoryMB())
	assert.Equal(t, 10*time.Second, sb.ExecTimeout())
	assert.True(t, sb.AllowCapability(CapLog))
	assert.True(t, sb.AllowCapability(CapConfig))
	assert.True(t, sb.AllowCapability(CapTool))
	assert.True(t, sb.AllowCapability(CapGateway))
}

func TestSandbox_MemoryPages(t *testing.T) {
	sb := NewSandbox(&domain.WASMPluginConfig{MaxMemoryMB: 64}, DefaultLimits(), logger.Discard())
	assert.Equal(t, uint32(1024), sb.MemoryPages())
}

func TestValidateCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		wantErr   bool
	}{
		{"all known", []string{CapLog, CapConfig, CapTool, CapGateway}, false},
		{"empty", nil, false},
		{"unknown", []string{CapLog, "network", "filesystem"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCapabilities(tt.requested)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrPermissionDenied)
			assert.Contains(t, err.Error(), "network")
			assert.Contains(t, err.Error(), "filesystem")
		})
	}
}
