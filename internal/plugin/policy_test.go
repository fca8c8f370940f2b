package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizePolicy(t *testing.T) {
	cfg := map[string]any{
		"plugins": map[string]any{
			"enabled": false,
			"allow":   []any{" echo ", "", 7, "notes"},
			"deny":    []string{"bad", "  "},
			"load":    map[string]any{"paths": []any{"~/extra"}},
			"entries": map[string]any{
				"echo":  map[string]any{"enabled": false, "config": map[string]any{"greeting": "hi"}},
				"notes": "not an object",
				" ":     map[string]any{"enabled": true},
				"loose": map[string]any{"enabled": "yes", "config": []any{1}},
			},
		},
	}

	p := NormalizePolicy(cfg)

	assert.False(t, p.Enabled)
	assert.Equal(t, []string{"echo", "notes"}, p.Allow)
	assert.Equal(t, []string{"bad"}, p.Deny)
	assert.Equal(t, []string{"~/extra"}, p.LoadPaths)
	require.Len(t, p.Entries, 3)
	require.NotNil(t, p.Entries["echo"].Enabled)
	assert.False(t, *p.Entries["echo"].Enabled)
	assert.Equal(t, map[string]any{"greeting": "hi"}, p.Entries["echo"].Config)
	assert.Equal(t, EntryPolicy{}, p.Entries["notes"])
	assert.Equal(t, EntryPolicy{}, p.Entries["loose"])
}

func TestNormalizePolicy_Defaults(t *testing.T) {
	for name, cfg := range map[string]map[string]any{
		"nil config":       nil,
		"no section":       {"gateway": map[string]any{}},
		"section not map":  {"plugins": "yes"},
		"empty section":    {"plugins": map[string]any{}},
		"wrong list types": {"plugins": map[string]any{"allow": "echo", "load": "paths"}},
	} {
		t.Run(name, func(t *testing.T) {
			p := NormalizePolicy(cfg)
			assert.True(t, p.Enabled)
			assert.Empty(t, p.Allow)
			assert.Empty(t, p.Deny)
			assert.Empty(t, p.LoadPaths)
			assert.Empty(t, p.Entries)
		})
	}
}

func TestResolveEnableState(t *testing.T) {
	off := false
	on := true
	tests := []struct {
		name       string
		policy     Policy
		id         string
		wantOK     bool
		wantReason string
	}{
		{"default", Policy{Enabled: true}, "echo", true, ""},
		{"global off", Policy{Enabled: false, Allow: []string{"echo"}}, "echo", false, ReasonPluginsDisabled},
		{"denied", Policy{Enabled: true, Deny: []string{"echo"}}, "echo", false, ReasonDenylisted},
		{"deny beats allow", Policy{Enabled: true, Allow: []string{"echo"}, Deny: []string{"echo"}}, "echo", false, ReasonDenylisted},
		{"not allowlisted", Policy{Enabled: true, Allow: []string{"notes"}}, "echo", false, ReasonNotAllowlisted},
		{"allowlisted", Policy{Enabled: true, Allow: []string{"echo"}}, "echo", true, ""},
		{"entry off", Policy{Enabled: true, Entries: map[string]EntryPolicy{"echo": {Enabled: &off}}}, "echo", false, ReasonEntryDisabled},
		{"entry on", Policy{Enabled: true, Entries: map[string]EntryPolicy{"echo": {Enabled: &on}}}, "echo", true, ""},
		{"allowlist beats entry on", Policy{Enabled: true, Allow: []string{"x"}, Entries: map[string]EntryPolicy{"echo": {Enabled: &on}}}, "echo", false, ReasonNotAllowlisted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ResolveEnableState(tt.id, tt.policy)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestResolveEnableState_Properties(t *testing.T) {
	ids := []string{"echo", "notes", "weather", "core"}
	rapid.Check(t, func(t *rapid.T) {
		p := Policy{
			Enabled: true,
			Allow:   rapid.SliceOfN(rapid.SampledFrom(ids), 0, 3).Draw(t, "allow"),
			Deny:    rapid.SliceOfN(rapid.SampledFrom(ids), 0, 3).Draw(t, "deny"),
		}
		id := rapid.SampledFrom(ids).Draw(t, "id")
		ok, _ := ResolveEnableState(id, p)

		if contains(p.Deny, id) && ok {
			t.Fatalf("denylisted %q was enabled", id)
		}
		if len(p.Allow) > 0 && !contains(p.Allow, id) && ok {
			t.Fatalf("%q outside a non-empty allowlist was enabled", id)
		}
		if !contains(p.Deny, id) && (len(p.Allow) == 0 || contains(p.Allow, id)) && !ok {
			t.Fatalf("%q should have been enabled", id)
		}
	})
}

func TestPolicyFingerprint(t *testing.T) {
	a := NormalizePolicy(map[string]any{"plugins": map[string]any{
		"entries": map[string]any{"a": map[string]any{"config": map[string]any{"x": 1, "y": 2}}, "b": map[string]any{}},
	}})
	b := NormalizePolicy(map[string]any{"plugins": map[string]any{
		"entries": map[string]any{"b": map[string]any{}, "a": map[string]any{"config": map[string]any{"y": 2, "x": 1}}},
	}})
	c := NormalizePolicy(map[string]any{"plugins": map[string]any{"deny": []any{"a"}}})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestCacheKey(t *testing.T) {
	p := NormalizePolicy(nil)
	dir := t.TempDir()

	assert.Equal(t, CacheKey(dir, p), CacheKey(dir+"/.", p))
	assert.NotEqual(t, CacheKey(dir, p), CacheKey(t.TempDir(), p))
	assert.Contains(t, CacheKey(dir, p), "::"+p.Fingerprint())
}
