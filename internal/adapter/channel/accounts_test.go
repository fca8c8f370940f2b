package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

func TestNormalizeAccountID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "default"},
		{"   ", "default"},
		{" Work ", "work"},
		{"OPS", "ops"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAccountID(tt.in), "input %q", tt.in)
	}
}

func TestListAccountIDs(t *testing.T) {
	t.Run("no accounts map", func(t *testing.T) {
		cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{"token": "x"}}}
		assert.Equal(t, []string{"default"}, ListAccountIDs(cfg, "discord"))
		assert.Equal(t, "default", DefaultAccountIDFor(cfg, "discord"))
	})

	t.Run("sorted and normalized", func(t *testing.T) {
		cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{
			"accounts": map[string]any{"Work": map[string]any{}, "alpha": map[string]any{}, "work": map[string]any{}},
		}}}
		assert.Equal(t, []string{"alpha", "work"}, ListAccountIDs(cfg, "discord"))
		assert.Equal(t, "alpha", DefaultAccountIDFor(cfg, "discord"))
	})

	t.Run("default preferred", func(t *testing.T) {
		cfg := map[string]any{"channels": map[string]any{"slack": map[string]any{
			"accounts": map[string]any{"a": map[string]any{}, "default": map[string]any{}},
		}}}
		assert.Equal(t, "default", DefaultAccountIDFor(cfg, "slack"))
	})
}

func TestAccountConfigOverlay(t *testing.T) {
	cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{
		"token":       "base",
		"groupPolicy": "open",
		"accounts": map[string]any{
			"Work": map[string]any{"token": "work-token"},
		},
	}}}

	work := AccountConfig(cfg, "discord", "work")
	assert.Equal(t, "work-token", work["token"])
	assert.Equal(t, "open", work["groupPolicy"])
	assert.NotContains(t, work, "accounts")

	def := AccountConfig(cfg, "discord", "default")
	assert.Equal(t, "base", def["token"])
	assert.True(t, HasAccountEntry(cfg, "discord", "WORK"))
	assert.False(t, HasAccountEntry(cfg, "discord", "default"))
}

func TestAccountEnabled(t *testing.T) {
	cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{
		"accounts": map[string]any{"off": map[string]any{"enabled": false}},
	}}}
	assert.True(t, AccountEnabled(cfg, "discord", "default"))
	assert.False(t, AccountEnabled(cfg, "discord", "off"))

	cfg["channels"].(map[string]any)["discord"].(map[string]any)["enabled"] = false
	assert.False(t, AccountEnabled(cfg, "discord", "default"))
}

func TestResolveToken(t *testing.T) {
	t.Setenv("RELAYBOT_TEST_TOKEN", " from-env ")

	tok, src := ResolveToken(map[string]any{"token": " cfg "}, "token", "default", "RELAYBOT_TEST_TOKEN")
	assert.Equal(t, "cfg", tok)
	assert.Equal(t, TokenSourceConfig, src)

	tok, src = ResolveToken(map[string]any{}, "token", "default", "RELAYBOT_TEST_TOKEN")
	assert.Equal(t, "from-env", tok)
	assert.Equal(t, TokenSourceEnv, src)

	tok, src = ResolveToken(map[string]any{}, "token", "work", "RELAYBOT_TEST_TOKEN")
	assert.Empty(t, tok)
	assert.Equal(t, TokenSourceNone, src)
}

func TestSetAccountEnabled(t *testing.T) {
	cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{"token": "x"}}}

	next := SetAccountEnabled(cfg, "discord", "default", false, true)
	v, ok := config.Lookup(next, "channels", "discord", "enabled")
	require.True(t, ok)
	assert.Equal(t, false, v)
	_, ok = config.Lookup(cfg, "channels", "discord", "enabled")
	assert.False(t, ok, "input must not be mutated")

	next = SetAccountEnabled(cfg, "discord", "Work", true, true)
	v, ok = config.Lookup(next, "channels", "discord", "accounts", "work", "enabled")
	require.True(t, ok)
	assert.Equal(t, true, v)

	next = SetAccountEnabled(nil, "slack", "default", true, false)
	v, ok = config.Lookup(next, "channels", "slack", "accounts", "default", "enabled")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestDeleteAccount(t *testing.T) {
	cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{
		"token": "base",
		"name":  "Main",
		"accounts": map[string]any{
			"work": map[string]any{"token": "w"},
		},
	}}}

	next := DeleteAccount(cfg, "discord", "work", []string{"token", "name"})
	section := Section(next, "discord")
	assert.NotContains(t, section, "accounts")
	assert.Equal(t, "base", section["token"])

	next = DeleteAccount(cfg, "discord", "default", []string{"token", "name"})
	section = Section(next, "discord")
	assert.NotContains(t, section, "token")
	assert.NotContains(t, section, "name")
	assert.Contains(t, section, "accounts")

	assert.Equal(t, "base", Section(cfg, "discord")["token"])
}

func TestApplyAccountName(t *testing.T) {
	next := ApplyAccountName(nil, "discord", "default", " Main ")
	assert.Equal(t, "Main", Section(next, "discord")["name"])

	next = ApplyAccountName(next, "discord", "work", "Work")
	v, _ := config.Lookup(next, "channels", "discord", "accounts", "work", "name")
	assert.Equal(t, "Work", v)

	next = ApplyAccountName(next, "discord", "default", "Renamed")
	v, _ = config.Lookup(next, "channels", "discord", "accounts", "default", "name")
	assert.Equal(t, "Renamed", v, "default goes to accounts once an accounts map exists")

	unchanged := ApplyAccountName(next, "discord", "work", "  ")
	assert.Equal(t, next, unchanged)
}

func TestMigrateBaseNameToDefaultAccount(t *testing.T) {
	cfg := map[string]any{"channels": map[string]any{"discord": map[string]any{"name": "Main"}}}
	next := MigrateBaseNameToDefaultAccount(cfg, "discord")
	assert.NotContains(t, Section(next, "discord"), "name")
	v, _ := config.Lookup(next, "channels", "discord", "accounts", "default", "name")
	assert.Equal(t, "Main", v)

	cfg = map[string]any{"channels": map[string]any{"discord": map[string]any{
		"name":     "Base",
		"accounts": map[string]any{"default": map[string]any{"name": "Kept"}},
	}}}
	next = MigrateBaseNameToDefaultAccount(cfg, "discord")
	v, _ = config.Lookup(next, "channels", "discord", "accounts", "default", "name")
	assert.Equal(t, "Kept", v)
}

func TestFormatAllowFrom(t *testing.T) {
	assert.Equal(t, []string{"abc", "*"}, FormatAllowFrom([]string{" ABC ", "", "*"}))
}

func TestFilterDirectory(t *testing.T) {
	entries := []domain.DirectoryEntry{
		{Kind: "user", ID: "user:1"},
		{Kind: "user", ID: "user:12"},
		{Kind: "user", ID: "user:1"},
		{Kind: "user", ID: "user:3"},
	}
	assert.Len(t, filterDirectory(entries, "", 0), 3)
	assert.Equal(t, []domain.DirectoryEntry{{Kind: "user", ID: "user:1"}, {Kind: "user", ID: "user:12"}},
		filterDirectory(entries, "USER:1", 0))
	assert.Len(t, filterDirectory(entries, "", 2), 2)
}

func TestAdmitDirect(t *testing.T) {
	policy := &domain.DMPolicy{Policy: "allowlist", AllowFrom: []string{"user:42"}, NormalizeEntry: normalizeDiscordEntry}
	assert.True(t, admitDirect(policy, "42"))
	assert.False(t, admitDirect(policy, "7"))

	policy.AllowFrom = []string{"*"}
	assert.True(t, admitDirect(policy, "7"))

	assert.True(t, admitDirect(&domain.DMPolicy{Policy: "open"}, "7"))
	assert.False(t, admitDirect(&domain.DMPolicy{Policy: "disabled", AllowFrom: []string{"*"}}, "7"))
	assert.True(t, admitDirect(nil, "7"))
}

func TestWithMedia(t *testing.T) {
	assert.Equal(t, "hi", withMedia("hi", " "))
	assert.Equal(t, "https://x/y.png", withMedia("", "https://x/y.png"))
	assert.Equal(t, "hi\nhttps://x/y.png", withMedia("hi", "https://x/y.png"))
}
