package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func intPtr(n int) *int { return &n }

func sampleSchemaInput() SchemaInput {
	return SchemaInput{
		Version: "1.2.3",
		Plugins: []PluginSchema{{
			ID:          "weather",
			Name:        "Weather",
			Description: "Forecast tool",
			ConfigSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"api_key"},
				"properties": map[string]any{
					"zeta":    map[string]any{"type": "string"},
					"api_key": map[string]any{"type": "string"},
					"units":   map[string]any{"type": "string", "enum": []any{"metric", "imperial"}},
				},
			},
			ConfigUIHints: map[string]domain.ConfigUIHint{
				"api_key": {Label: "API key", Sensitive: true, Order: intPtr(2)},
				"units":   {Label: "Units", Order: intPtr(1)},
			},
		}},
		Channels: []ChannelSchema{{
			ID:          "discord",
			Label:       "Discord",
			Description: "Discord bot",
			ConfigSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"token":   map[string]any{"type": "string"},
					"enabled": map[string]any{"type": "boolean"},
				},
			},
			ConfigUIHints: map[string]domain.ConfigUIHint{
				"token": {Label: "Bot token", Sensitive: true},
			},
		}},
	}
}

func TestBuildSchemaInjectsPluginAndChannel(t *testing.T) {
	res := BuildSchema(sampleSchemaInput())
	doc := res.Document()

	cfgSchema, ok := Lookup(doc, "properties", "plugins", "properties", "entries", "properties", "weather", "properties", "config")
	require.True(t, ok)
	assert.Equal(t, []any{"api_key"}, cfgSchema.(map[string]any)["required"])

	channel, ok := Lookup(doc, "properties", "channels", "properties", "discord")
	require.True(t, ok)
	assert.Equal(t, "Discord", channel.(map[string]any)["title"])

	assert.Equal(t, "Weather", res.UIHints["plugins.entries.weather"].Label)
	assert.Equal(t, "Forecast tool", res.UIHints["plugins.entries.weather"].Help)
	assert.Equal(t, "Enable Weather", res.UIHints["plugins.entries.weather.enabled"].Label)
	assert.Equal(t, "Weather Config", res.UIHints["plugins.entries.weather.config"].Label)
	assert.True(t, res.UIHints["plugins.entries.weather.config.api_key"].Sensitive)
	assert.True(t, res.UIHints["channels.discord.token"].Sensitive)
	assert.Equal(t, "1.2.3", res.Version)
	assert.NotEmpty(t, res.GeneratedAt)
}

func TestBuildSchemaOrdersByHints(t *testing.T) {
	res := BuildSchema(sampleSchemaInput())
	data, err := json.Marshal(res.Schema)
	require.NoError(t, err)
	s := string(data)

	// Top level: workspace(5) before gateway(10) before logger(20) ... channels(50).
	assert.Less(t, strings.Index(s, `"workspace"`), strings.Index(s, `"gateway"`))
	assert.Less(t, strings.Index(s, `"gateway"`), strings.Index(s, `"logger"`))
	assert.Less(t, strings.Index(s, `"plugins"`), strings.Index(s, `"channels"`))

	// Plugin config: units(1), api_key(2), then unhinted zeta.
	units := strings.Index(s, `"units"`)
	apiKey := strings.Index(s, `"api_key":{`)
	zeta := strings.Index(s, `"zeta"`)
	assert.Less(t, units, apiKey)
	assert.Less(t, apiKey, zeta)

	// Schema keywords lead each node.
	assert.True(t, strings.HasPrefix(s, `{"$schema":`))
}

func TestBuildSchemaDeterministic(t *testing.T) {
	a, err := json.Marshal(BuildSchema(sampleSchemaInput()).Schema)
	require.NoError(t, err)
	b, err := json.Marshal(BuildSchema(sampleSchemaInput()).Schema)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestBuildSchemaFirstPluginWins(t *testing.T) {
	in := SchemaInput{Plugins: []PluginSchema{
		{ID: "dup", Name: "First"},
		{ID: "dup", Name: "Second"},
		{ID: " "},
	}}
	res := BuildSchema(in)
	assert.Equal(t, "First", res.UIHints["plugins.entries.dup"].Label)
	entries, ok := Lookup(res.Document(), "properties", "plugins", "properties", "entries", "properties")
	require.True(t, ok)
	assert.Len(t, entries, 1)
}

func TestBuildSchemaValidates(t *testing.T) {
	res := BuildSchema(sampleSchemaInput())
	validate, err := NewTreeValidator(res.Document())
	require.NoError(t, err)

	good := map[string]any{
		"plugins": map[string]any{"entries": map[string]any{
			"weather": map[string]any{"config": map[string]any{"api_key": "k", "units": "metric"}},
		}},
		"channels": map[string]any{"discord": map[string]any{"token": "t"}},
	}
	out, issues := validate(good)
	assert.Empty(t, issues)
	assert.Equal(t, good, out)

	bad := map[string]any{
		"plugins": map[string]any{"entries": map[string]any{
			"weather": map[string]any{"config": map[string]any{"units": "kelvin"}},
		}},
		"channels": map[string]any{"discord": map[string]any{"token": 5}},
	}
	out, issues = validate(bad)
	assert.Nil(t, out)
	paths := map[string]bool{}
	for _, i := range issues {
		paths[i.Path] = true
	}
	assert.True(t, paths["plugins.entries.weather.config"], "missing required api_key: %v", issues)
	assert.True(t, paths["plugins.entries.weather.config.units"], "enum: %v", issues)
	assert.True(t, paths["channels.discord.token"], "type: %v", issues)
}

func TestValidateTreeRejectsNonObject(t *testing.T) {
	out, issues := ValidateTree([]any{"x"})
	assert.Nil(t, out)
	require.Len(t, issues, 1)
	assert.Equal(t, "", issues[0].Path)
}

func TestValidateTreeSemanticIssues(t *testing.T) {
	_, issues := ValidateTree(map[string]any{"gateway": map[string]any{"addr": "nope"}})
	require.Len(t, issues, 1)
	assert.Equal(t, "gateway.addr", issues[0].Path)
}

func TestPointerToPath(t *testing.T) {
	assert.Equal(t, "", pointerToPath(""))
	assert.Equal(t, "a.b.0", pointerToPath("/a/b/0"))
	assert.Equal(t, "a/b.c~d", pointerToPath("/a~1b/c~0d"))
}
