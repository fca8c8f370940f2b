package channels

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
	"relaybot/internal/plugin"
)

func TestStatusService_SnapshotWithoutProbe(t *testing.T) {
	a := newFakeChannel("alpha", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	a.order = 20
	b := newFakeChannel("beta", map[string]fakeAccount{"default": {enabled: true, configured: false}})
	b.order = 10
	var probes atomic.Int32
	a.probe = func(context.Context) domain.ProbeResult {
		probes.Add(1)
		return domain.ProbeResult{OK: true}
	}

	svc := NewStatusService(sourceOf(a, b), nil, StatusServiceConfig{}, testLogger())
	report := svc.Snapshot(context.Background(), nil, StatusOptions{})

	require.Len(t, report.Channels, 2)
	assert.Equal(t, "beta", report.Channels[0].ID, "ordered by meta order")
	assert.Equal(t, "alpha", report.Channels[1].ID)
	assert.Equal(t, "Fake alpha", report.Channels[1].Label)
	assert.Equal(t, true, report.Channels[1].Summary["configured"])
	assert.Nil(t, report.Channels[1].Accounts[0].Probe)
	assert.Zero(t, probes.Load())
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.Warnings)
}

func TestStatusService_ProbeAndCache(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{
		"default": {enabled: true, configured: true},
		"off":     {enabled: false, configured: true},
	})
	var probes atomic.Int32
	fc.probe = func(context.Context) domain.ProbeResult {
		probes.Add(1)
		return domain.ProbeResult{OK: true, Details: map[string]any{"bot": "relay"}}
	}
	svc := NewStatusService(sourceOf(fc), nil, StatusServiceConfig{CacheTTL: time.Minute}, testLogger())

	report := svc.Snapshot(context.Background(), nil, StatusOptions{Probe: true})
	assert.Equal(t, int32(1), probes.Load(), "disabled accounts are not probed")

	accounts := report.Channels[0].Accounts
	require.Len(t, accounts, 2)
	assert.Equal(t, "default", accounts[0].AccountID)
	require.NotNil(t, accounts[0].Probe)
	assert.True(t, accounts[0].Probe.OK)
	assert.NotNil(t, accounts[0].LastProbeAt)
	assert.Nil(t, accounts[1].Probe)

	// A plain snapshot reuses the cached probe.
	report = svc.Snapshot(context.Background(), nil, StatusOptions{})
	assert.Equal(t, int32(1), probes.Load())
	require.NotNil(t, report.Channels[0].Accounts[0].Probe)
	assert.Equal(t, "relay", report.Channels[0].Accounts[0].Probe.Details["bot"])
}

func TestStatusService_ProbeFailures(t *testing.T) {
	tests := []struct {
		name    string
		probe   func(ctx context.Context) domain.ProbeResult
		wantErr string
	}{
		{
			name:    "panic",
			probe:   func(context.Context) domain.ProbeResult { panic("boom") },
			wantErr: "panic: boom",
		},
		{
			name: "timeout",
			probe: func(ctx context.Context) domain.ProbeResult {
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				return domain.ProbeResult{OK: true}
			},
			wantErr: "timed out after 20ms",
		},
		{
			name:    "reported",
			probe:   func(context.Context) domain.ProbeResult { return domain.ProbeResult{Error: "401 unauthorized"} },
			wantErr: "401 unauthorized",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
			fc.probe = tt.probe
			fc.issue = "probe failed"
			svc := NewStatusService(sourceOf(fc), nil, StatusServiceConfig{}, testLogger())

			report := svc.Snapshot(context.Background(), nil, StatusOptions{Probe: true, TimeoutMs: 20})

			probe := report.Channels[0].Accounts[0].Probe
			require.NotNil(t, probe)
			assert.False(t, probe.OK)
			assert.Equal(t, tt.wantErr, probe.Error)
			require.Len(t, report.Issues, 1)
			assert.Equal(t, "probe failed", report.Issues[0].Message)
		})
	}
}

func TestStatusService_UsesManagerRuntime(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	m := NewManager(sourceOf(fc), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, nil)

	svc := NewStatusService(sourceOf(fc), m, StatusServiceConfig{}, testLogger())
	report := svc.Snapshot(context.Background(), nil, StatusOptions{})

	snap := report.Channels[0].Accounts[0]
	assert.True(t, snap.Running)
	assert.NotNil(t, snap.LastStartAt)
	assert.Equal(t, true, report.Channels[0].Summary["running"])
}

func TestStatusService_WarningsDeduplicated(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{
		"default": {enabled: true, configured: true},
		"work":    {enabled: true, configured: true},
		"off":     {enabled: false, configured: true},
	})
	fc.warning = "- Fake groups: open policy"
	svc := NewStatusService(sourceOf(fc), nil, StatusServiceConfig{}, testLogger())

	report := svc.Snapshot(context.Background(), nil, StatusOptions{})
	assert.Equal(t, []string{"- Fake groups: open policy"}, report.Warnings)
}

func TestStatusService_RefreshCachesProbes(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	var probes atomic.Int32
	fc.probe = func(context.Context) domain.ProbeResult {
		probes.Add(1)
		return domain.ProbeResult{OK: true}
	}
	svc := NewStatusService(sourceOf(fc), nil, StatusServiceConfig{}, testLogger())

	require.NoError(t, svc.Refresh(context.Background(), nil))
	assert.Equal(t, int32(1), probes.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.Refresh(ctx, nil), context.Canceled)
}

func TestStatusService_SnapshotLeavesSourceOrder(t *testing.T) {
	a := newFakeChannel("alpha", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	a.order = 20
	b := newFakeChannel("beta", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	b.order = 10
	shared := sourceOf(a, b)()
	source := func() []plugin.ChannelEntry { return shared }

	svc := NewStatusService(source, nil, StatusServiceConfig{}, testLogger())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report := svc.Snapshot(context.Background(), nil, StatusOptions{Probe: true})
			assert.Len(t, report.Channels, 2)
		}()
	}
	wg.Wait()

	require.Len(t, shared, 2)
	assert.Equal(t, "alpha", shared[0].PluginID)
	assert.Equal(t, "beta", shared[1].PluginID)
}
