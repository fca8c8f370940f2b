package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func TestManager_StartOnlyEnabledAndConfigured(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{
		"default":  {enabled: true, configured: true},
		"disabled": {enabled: false, configured: true},
		"bare":     {enabled: true, configured: false},
	})
	m := NewManager(sourceOf(fc), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, map[string]any{})

	assert.Equal(t, []string{"fake/default"}, m.Running())
	assert.Equal(t, 1, fc.startedCount())

	rt, ok := m.Runtime("fake", "default")
	require.True(t, ok)
	assert.True(t, rt.Running)
	assert.NotEmpty(t, rt.RunID)
	assert.NotNil(t, rt.LastStartAt)
	assert.Equal(t, "fake", rt.Fields["mode"])
	assert.Equal(t, true, rt.Fields["connected"])

	_, ok = m.Runtime("fake", "disabled")
	assert.False(t, ok)
}

func TestManager_NeverTwice(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	m := NewManager(sourceOf(fc), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, nil)
	m.Start(ctx, nil)
	assert.Equal(t, 1, fc.startedCount())

	entry, ok := Lookup(sourceOf(fc), "fake")
	require.True(t, ok)
	err := m.StartAccount(ctx, nil, entry, fc.ResolveAccount(nil, "default"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestManager_Stop(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	m := NewManager(sourceOf(fc), nil, testLogger())
	m.Start(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, "fake", "default"))

	require.Eventually(t, func() bool {
		rt, _ := m.Runtime("fake", "default")
		return !rt.Running && rt.LastStopAt != nil
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Running())

	err := m.Stop(ctx, "fake", "default")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestManager_WorkerErrorRecorded(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	fc.exitErr = errWorkerCrashed
	m := NewManager(sourceOf(fc), nil, testLogger())
	m.Start(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))

	require.Eventually(t, func() bool {
		rt, _ := m.Runtime("fake", "default")
		return rt.LastError != nil
	}, time.Second, 5*time.Millisecond)
	rt, _ := m.Runtime("fake", "default")
	assert.Equal(t, "worker crashed", *rt.LastError)
}

func TestManager_StartFailure(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	fc.startErr = errors.New("bad token")
	m := NewManager(sourceOf(fc), nil, testLogger())

	m.Start(context.Background(), nil)

	assert.Empty(t, m.Running())
	rt, ok := m.Runtime("fake", "default")
	require.True(t, ok)
	assert.False(t, rt.Running)
	require.NotNil(t, rt.LastError)
	assert.Equal(t, "bad token", *rt.LastError)
}

func TestManager_RestartUsesNewRunID(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	m := NewManager(sourceOf(fc), nil, testLogger())
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	m.Start(runCtx, nil)
	first, _ := m.Runtime("fake", "default")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Restart(ctx, runCtx, nil))

	second, _ := m.Runtime("fake", "default")
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.True(t, second.Running)
	assert.Equal(t, 2, fc.startedCount())

	// The old worker's exit must not mark the new run stopped.
	time.Sleep(20 * time.Millisecond)
	current, _ := m.Runtime("fake", "default")
	assert.True(t, current.Running)
	assert.Equal(t, second.RunID, current.RunID)
}

func TestManager_RestartSkipsStuckWorker(t *testing.T) {
	stuck := newFakeChannel("alpha", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	stuck.hang = make(chan struct{})
	healthy := newFakeChannel("beta", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	m := NewManager(sourceOf(stuck, healthy), nil, testLogger())
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	m.Start(runCtx, nil)
	require.Equal(t, []string{"alpha/default", "beta/default"}, m.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Restart(ctx, runCtx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Contains(t, err.Error(), "alpha/default")

	assert.Equal(t, 1, stuck.startedCount(), "stuck worker is not started twice")
	assert.Equal(t, 2, healthy.startedCount())
	assert.Equal(t, []string{"alpha/default", "beta/default"}, m.Running())

	close(stuck.hang)
	assert.Eventually(t, func() bool {
		running := m.Running()
		return len(running) == 1 && running[0] == "beta/default"
	}, time.Second, 5*time.Millisecond)
}

func TestManager_InboundAndOutboundTimestamps(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	var got []domain.InboundMessage
	m := NewManager(sourceOf(fc), func(msg domain.InboundMessage) { got = append(got, msg) }, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, nil)

	gc := fc.gatewayContext()
	gc.OnInbound(domain.InboundMessage{Channel: "fake", AccountID: "default", Text: "hi"})
	m.RecordOutbound("fake", "default")

	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
	rt, _ := m.Runtime("fake", "default")
	assert.NotNil(t, rt.LastInboundAt)
	assert.NotNil(t, rt.LastOutboundAt)
}

func TestManager_RuntimeIsCopy(t *testing.T) {
	fc := newFakeChannel("fake", map[string]fakeAccount{"default": {enabled: true, configured: true}})
	m := NewManager(sourceOf(fc), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, nil)

	rt, _ := m.Runtime("fake", "default")
	rt.Fields["mode"] = "mutated"

	again, _ := m.Runtime("fake", "default")
	assert.Equal(t, "fake", again.Fields["mode"])
}

func TestLookup_Alias(t *testing.T) {
	fc := newFakeChannel("msteams", nil)
	fc.aliases = []string{"teams"}
	src := sourceOf(fc)

	entry, ok := Lookup(src, " Teams ")
	require.True(t, ok)
	assert.Equal(t, "msteams", entry.Plugin.ID())

	_, ok = Lookup(src, "irc")
	assert.False(t, ok)
}
