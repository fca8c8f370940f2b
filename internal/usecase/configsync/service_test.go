package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/plugin"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type echoChannel struct {
	domain.ChannelPlugin
}

func (echoChannel) ID() string { return "echo" }

func (echoChannel) Meta() domain.ChannelMeta {
	return domain.ChannelMeta{ID: "echo", Label: "Echo", Blurb: "Replies with what it gets."}
}

func (echoChannel) ConfigSchema() *domain.ChannelConfigSchema {
	return &domain.ChannelConfigSchema{
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"token": map[string]any{"type": "string"}},
		},
		UIHints: map[string]domain.ConfigUIHint{"token": {Label: "Token", Sensitive: true}},
	}
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (a *recordingAudit) Log(_ context.Context, e domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return a.err
}

func (a *recordingAudit) Close() error { return nil }

func testBuiltins() *plugin.Builtins {
	b := plugin.NewBuiltins()
	b.Add("greeter", &plugin.Definition{
		Name:        "Greeter",
		Description: "Says hello",
		ConfigSchema: &plugin.ConfigSchema{
			JSONSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"greeting": map[string]any{"type": "string"}},
				"additionalProperties": false,
			},
		},
		Register: func(api *plugin.API) { api.RegisterChannel(echoChannel{}) },
	})
	return b
}

func newTestLoader() *plugin.Loader {
	b := testBuiltins()
	return plugin.NewLoader(&plugin.DirDiscovery{Bundled: b.Candidates()}, &plugin.SourceLoader{Builtins: b}, nil, logger.Discard())
}

func newTestService(t *testing.T, initial string) (*Service, *recordingAudit, string) {
	t.Helper()
	return newTestServiceWith(t, initial, newTestLoader())
}

func newTestServiceWith(t *testing.T, initial string, loader *plugin.Loader) (*Service, *recordingAudit, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if initial != "" {
		require.NoError(t, os.WriteFile(path, []byte(initial), 0o600))
	}
	audit := &recordingAudit{}
	svc := NewService(Deps{
		Store:   config.NewStore(path),
		Loader:  loader,
		Audit:   audit,
		Logger:  logger.Discard(),
		Version: "test",
	})
	return svc, audit, path
}

func strPtr(s string) *string { return &s }

func requireRequestError(t *testing.T, err error, msg string) *RequestError {
	t.Helper()
	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.CodeInvalidRequest, rerr.Code)
	assert.Equal(t, msg, rerr.Message)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
	return rerr
}

func currentHash(t *testing.T, svc *Service) string {
	t.Helper()
	snap, err := svc.Get(context.Background(), GetParams{})
	require.NoError(t, err)
	return snap.Hash
}

// ---------------------------------------------------------------------------
// Get / Set
// ---------------------------------------------------------------------------

func TestGetThenSetOnMissingFile(t *testing.T) {
	svc, _, _ := newTestService(t, "")
	ctx := context.Background()

	snap, err := svc.Get(ctx, GetParams{})
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Empty(t, snap.Hash)

	res, err := svc.Set(ctx, "tester", WriteParams{Raw: strPtr(`{"channels":{}}`)})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, svc.Path(), res.Path)
	assert.Equal(t, map[string]any{"channels": map[string]any{}}, res.Config)

	snap, err = svc.Get(ctx, GetParams{})
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.NotEmpty(t, snap.Hash)
	assert.True(t, snap.Valid)
}

func TestSetRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t, "channels: {}\n")
	ctx := context.Background()
	before := currentHash(t, svc)

	raw := `{
		// comments and trailing commas are accepted
		"gateway":  {"addr": "127.0.0.1:9000",},
		"channels": {"echo": {"token": "abc"}},
	}`
	res, err := svc.Set(ctx, "tester", WriteParams{BaseHash: before, Raw: &raw})
	require.NoError(t, err)

	snap, err := svc.Get(ctx, GetParams{})
	require.NoError(t, err)
	assert.Equal(t, res.Config, snap.Config)
	assert.NotEqual(t, before, snap.Hash)
	assert.Equal(t, "127.0.0.1:9000", snap.Config["gateway"].(map[string]any)["addr"])
}

func TestSetHashGuard(t *testing.T) {
	tests := []struct {
		name     string
		baseHash string
		want     string
	}{
		{"missing", "", msgBaseHashRequired},
		{"blank", "   ", msgBaseHashRequired},
		{"stale", "deadbeef", msgBaseHashStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, path := newTestService(t, "channels: {}\n")
			_, err := svc.Set(context.Background(), "tester", WriteParams{BaseHash: tt.baseHash, Raw: strPtr(`{}`)})
			requireRequestError(t, err, tt.want)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "channels: {}\n", string(data))
		})
	}
}

func TestRequireBaseHash(t *testing.T) {
	tests := []struct {
		name     string
		snap     config.Snapshot
		baseHash string
		want     string
	}{
		{"missing file needs no hash", config.Snapshot{}, "", ""},
		{"missing file ignores a hash", config.Snapshot{}, "abc", ""},
		{"hash unavailable", config.Snapshot{Exists: true}, "abc", msgBaseHashUnavailable},
		{"required", config.Snapshot{Exists: true, Hash: "abc"}, "", msgBaseHashRequired},
		{"stale", config.Snapshot{Exists: true, Hash: "abc"}, "abd", msgBaseHashStale},
		{"match after trim", config.Snapshot{Exists: true, Hash: "abc"}, " abc ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := requireBaseHash(tt.baseHash, &tt.snap)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			requireRequestError(t, err, tt.want)
		})
	}
}

func TestSetRejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t, "")
	ctx := context.Background()

	_, err := svc.Set(ctx, "tester", WriteParams{})
	requireRequestError(t, err, "invalid config.set params: raw (string) required")

	_, err = svc.Patch(ctx, "tester", WriteParams{})
	requireRequestError(t, err, "invalid config.patch params: raw (string) required")

	_, err = svc.Set(ctx, "tester", WriteParams{Raw: strPtr(`{"gateway":`)})
	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Message, "config parse failed:")
}

func TestSetInvalidConfigReportsIssues(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		path string
	}{
		{"semantic check", `{"gateway":{"addr":"nope"}}`, "gateway.addr"},
		{"core schema", `{"logger":{"level":"loud"}}`, "logger.level"},
		{"plugin schema", `{"plugins":{"entries":{"greeter":{"config":{"greeting":5}}}}}`, "plugins.entries.greeter.config.greeting"},
		{"channel schema", `{"channels":{"echo":{"token":5}}}`, "channels.echo.token"},
		{"not an object", `[1, 2]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, path := newTestService(t, "")
			_, err := svc.Set(context.Background(), "tester", WriteParams{Raw: strPtr(tt.raw)})
			rerr := requireRequestError(t, err, msgInvalidConfig)

			issues, ok := rerr.Details["issues"].([]domain.Issue)
			require.True(t, ok)
			require.NotEmpty(t, issues)
			assert.Equal(t, tt.path, issues[0].Path)

			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr), "nothing is written on failure")
		})
	}
}

func TestSetIsLinearizedPerFile(t *testing.T) {
	svc, _, _ := newTestService(t, "channels: {}\n")
	base := currentHash(t, svc)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Set(context.Background(), "tester", WriteParams{BaseHash: base, Raw: strPtr(`{"channels":{"echo":{}}}`)})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			var rerr *RequestError
			if assert.ErrorAs(t, err, &rerr) {
				assert.Equal(t, msgBaseHashStale, rerr.Message)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// ---------------------------------------------------------------------------
// Patch
// ---------------------------------------------------------------------------

func TestPatchMergeSemantics(t *testing.T) {
	svc, _, _ := newTestService(t, "channels:\n  demo:\n    b: 1\n    c: 2\n")
	ctx := context.Background()

	res, err := svc.Patch(ctx, "tester", WriteParams{
		BaseHash: currentHash(t, svc),
		Raw:      strPtr(`{"channels":{"demo":{"b":null,"d":3}}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": 2.0, "d": 3.0}, res.Config["channels"].(map[string]any)["demo"])

	snap, err := svc.Get(ctx, GetParams{})
	require.NoError(t, err)
	assert.Equal(t, res.Config, snap.Config)
}

func TestPatchAppliesLegacyMigrations(t *testing.T) {
	svc, _, _ := newTestService(t, "channels: {}\n")

	res, err := svc.Patch(context.Background(), "tester", WriteParams{
		BaseHash: currentHash(t, svc),
		Raw:      strPtr(`{"discord":{"token":"abc"}}`),
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Config, "discord")
	v, ok := config.Lookup(res.Config, "channels", "discord", "token")
	require.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestPatchRejectsInvalidStoredConfig(t *testing.T) {
	svc, _, _ := newTestService(t, "gateway:\n  addr: nope\n")

	// Even a patch that would fix the file is refused.
	_, err := svc.Patch(context.Background(), "tester", WriteParams{
		BaseHash: currentHash(t, svc),
		Raw:      strPtr(`{"gateway":{"addr":"127.0.0.1:1"}}`),
	})
	requireRequestError(t, err, msgPatchOnInvalid)
}

func TestPatchRequiresObject(t *testing.T) {
	for _, raw := range []string{`[1]`, `"text"`, `42`} {
		svc, _, _ := newTestService(t, "")
		_, err := svc.Patch(context.Background(), "tester", WriteParams{Raw: strPtr(raw)})
		requireRequestError(t, err, msgPatchNotObject)
	}
}

func TestPatchChecksHashBeforeValidity(t *testing.T) {
	svc, _, _ := newTestService(t, "gateway:\n  addr: nope\n")
	_, err := svc.Patch(context.Background(), "tester", WriteParams{Raw: strPtr(`{}`)})
	requireRequestError(t, err, msgBaseHashRequired)
}

// ---------------------------------------------------------------------------
// Audit and hooks
// ---------------------------------------------------------------------------

func TestWritesAreAudited(t *testing.T) {
	svc, audit, _ := newTestService(t, "")
	var hooked []string
	svc.onWrite = func(res *config.WriteResult) { hooked = append(hooked, res.Hash) }
	ctx := context.Background()

	_, err := svc.Set(ctx, "alice", WriteParams{Raw: strPtr(`{"channels":{}}`)})
	require.NoError(t, err)
	setHash := currentHash(t, svc)

	audit.err = errors.New("disk full")
	_, err = svc.Patch(ctx, "bob", WriteParams{BaseHash: setHash, Raw: strPtr(`{"channels":{"echo":{}}}`)})
	require.NoError(t, err, "audit failures never fail the request")

	require.Len(t, audit.events, 2)
	first, second := audit.events[0], audit.events[1]
	assert.Equal(t, domain.AuditConfigSet, first.Type)
	assert.Equal(t, "alice", first.Actor)
	assert.Equal(t, "config.set", first.Action)
	assert.Empty(t, first.Detail["prev_hash"])
	assert.Equal(t, setHash, first.Detail["new_hash"])
	assert.NotEmpty(t, first.ID)

	assert.Equal(t, domain.AuditConfigPatch, second.Type)
	assert.Equal(t, "bob", second.Actor)
	assert.Equal(t, setHash, second.Detail["prev_hash"])
	assert.Equal(t, currentHash(t, svc), second.Detail["new_hash"])

	assert.Equal(t, []string{setHash, currentHash(t, svc)}, hooked)
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

func TestSchemaIncludesPluginsAndChannels(t *testing.T) {
	svc, _, _ := newTestService(t, "")

	resp, err := svc.Schema(context.Background(), SchemaParams{})
	require.NoError(t, err)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "Greeter", resp.UIHints["plugins.entries.greeter"].Label)
	assert.Equal(t, "Echo", resp.UIHints["channels.echo"].Label)
	assert.True(t, resp.UIHints["channels.echo.token"].Sensitive)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"greeting"`)
}

func TestSchemaSkipsDisabledPlugins(t *testing.T) {
	svc, _, _ := newTestService(t, "plugins:\n  deny: [greeter]\n")

	resp, err := svc.Schema(context.Background(), SchemaParams{})
	require.NoError(t, err)
	assert.NotContains(t, resp.UIHints, "plugins.entries.greeter")
	assert.NotContains(t, resp.UIHints, "channels.echo")
}

func TestWritesValidateAgainstCandidatePlugins(t *testing.T) {
	tests := []struct {
		name  string
		write func(svc *Service, hash string) error
	}{
		{"set", func(svc *Service, hash string) error {
			_, err := svc.Set(context.Background(), "tester", WriteParams{
				BaseHash: hash,
				Raw:      strPtr(`{"plugins":{"entries":{"greeter":{"config":{"greeting":5}}}}}`),
			})
			return err
		}},
		{"patch", func(svc *Service, hash string) error {
			_, err := svc.Patch(context.Background(), "tester", WriteParams{
				BaseHash: hash,
				Raw:      strPtr(`{"plugins":{"deny":null,"entries":{"greeter":{"config":{"greeting":5}}}}}`),
			})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const stored = "plugins:\n  deny: [greeter]\n"
			svc, _, path := newTestService(t, stored)

			err := tt.write(svc, currentHash(t, svc))
			rerr := requireRequestError(t, err, msgInvalidConfig)
			issues, ok := rerr.Details["issues"].([]domain.Issue)
			require.True(t, ok)
			require.NotEmpty(t, issues)
			assert.Equal(t, "plugins.entries.greeter.config.greeting", issues[0].Path)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, stored, string(data))
		})
	}
}

func TestReadsLeaveActiveRegistry(t *testing.T) {
	loader := newTestLoader()
	ctx := context.Background()
	live := loader.Load(ctx, plugin.LoadOptions{Config: map[string]any{}, Logger: logger.Discard()})
	_, liveKey := loader.Active()

	svc, _, _ := newTestServiceWith(t, "plugins:\n  deny: [greeter]\n", loader)

	_, err := svc.Get(ctx, GetParams{})
	require.NoError(t, err)
	resp, err := svc.Schema(ctx, SchemaParams{})
	require.NoError(t, err)
	assert.NotContains(t, resp.UIHints, "plugins.entries.greeter")

	active, key := loader.Active()
	assert.Same(t, live, active)
	assert.Equal(t, liveKey, key)
}

func TestSchemaPreparesTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins:\n  deny: [greeter]\n"), 0o600))

	var seen map[string]any
	svc := NewService(Deps{
		Store:  config.NewStore(path),
		Loader: newTestLoader(),
		Logger: logger.Discard(),
		PrepareTree: func(tree map[string]any) (map[string]any, error) {
			seen = tree
			delete(tree, "plugins")
			return tree, nil
		},
	})

	resp, err := svc.Schema(context.Background(), SchemaParams{})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Contains(t, resp.UIHints, "plugins.entries.greeter", "the prepared tree drives the load pass")

	snap, err := svc.Get(context.Background(), GetParams{})
	require.NoError(t, err)
	assert.Contains(t, snap.Config, "plugins", "the stored tree is not modified")
}

func TestSchemaWithoutLoaderIsCoreOnly(t *testing.T) {
	svc := NewService(Deps{Store: config.NewStore(filepath.Join(t.TempDir(), "c.yaml")), Logger: logger.Discard()})

	resp, err := svc.Schema(context.Background(), SchemaParams{})
	require.NoError(t, err)
	assert.Contains(t, resp.UIHints, "gateway")
	assert.NotContains(t, resp.UIHints, "plugins.entries.greeter")
}
