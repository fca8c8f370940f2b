package config

import (
	"sort"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"relaybot/internal/domain"
)

const schemaDraft = "http://json-schema.org/draft-07/schema#"

// PluginSchema is one plugin's contribution to the aggregated schema.
type PluginSchema struct {
	ID            string
	Name          string
	Description   string
	ConfigSchema  map[string]any
	ConfigUIHints map[string]domain.ConfigUIHint
}

// ChannelSchema is one channel's contribution to the aggregated schema.
type ChannelSchema struct {
	ID            string
	Label         string
	Description   string
	ConfigSchema  map[string]any
	ConfigUIHints map[string]domain.ConfigUIHint
}

// SchemaInput feeds BuildSchema.
type SchemaInput struct {
	Version  string
	Plugins  []PluginSchema
	Channels []ChannelSchema
}

// SchemaResponse is the aggregated schema document plus flat UI hints keyed
// by dotted path.
type SchemaResponse struct {
	Schema      *orderedmap.OrderedMap[string, any] `json:"schema"`
	UIHints     map[string]domain.ConfigUIHint      `json:"uiHints"`
	Version     string                              `json:"version"`
	GeneratedAt string                              `json:"generatedAt"`

	doc map[string]any
}

// Document returns the unordered schema used for validation.
func (r *SchemaResponse) Document() map[string]any { return r.doc }

func order(n int) *int { return &n }

// CoreSchema returns the draft-07 schema of the host-owned config sections.
// Each call returns a fresh copy.
func CoreSchema() map[string]any {
	str := map[string]any{"type": "string"}
	boolean := map[string]any{"type": "boolean"}
	strList := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	duration := map[string]any{"type": "string", "pattern": `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}

	return map[string]any{
		"$schema":              schemaDraft,
		"title":                "relaybot config",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"workspace": str,
			"includes":  strList,
			"gateway": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"addr": str,
					"tokens": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"required":             []any{"token"},
							"properties": map[string]any{
								"token": map[string]any{"type": "string", "minLength": 1},
								"name":  str,
								"roles": map[string]any{
									"type":  "array",
									"items": map[string]any{"type": "string", "enum": []any{"admin", "operator", "viewer"}},
								},
							},
						},
					},
					"rate_limit": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"properties": map[string]any{
							"requests_per_min": map[string]any{"type": "integer", "minimum": 0},
							"burst":            map[string]any{"type": "integer", "minimum": 0},
						},
					},
				},
			},
			"logger": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"level":      map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "warning", "error"}},
					"format":     map[string]any{"type": "string", "enum": []any{"text", "json"}},
					"output":     str,
					"add_source": boolean,
				},
			},
			"tracer": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"enabled":  boolean,
					"exporter": map[string]any{"type": "string", "enum": []any{"noop", "stdout", "stderr", "file"}},
					"endpoint": str,
				},
			},
			"plugins": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"enabled": boolean,
					"allow":   strList,
					"deny":    strList,
					"load": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"properties":           map[string]any{"paths": strList},
					},
					"entries": map[string]any{
						"type": "object",
						"additionalProperties": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"properties": map[string]any{
								"enabled": boolean,
								"config":  map[string]any{"type": "object"},
							},
						},
					},
					"wasm": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"properties": map[string]any{
							"max_memory_mb": map[string]any{"type": "integer", "minimum": 1, "maximum": 512},
							"exec_timeout":  duration,
						},
					},
				},
			},
			"channels": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "object"},
			},
			"audit": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"enabled":        boolean,
					"path":           str,
					"retention":      duration,
					"prune_schedule": str,
				},
			},
			"status": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"probe_timeout":    duration,
					"refresh_schedule": str,
					"cache_ttl":        duration,
				},
			},
		},
	}
}

// CoreUIHints returns presentation hints for the host-owned sections.
func CoreUIHints() map[string]domain.ConfigUIHint {
	return map[string]domain.ConfigUIHint{
		"workspace": {Label: "Workspace", Help: "Directory scanned for workspace plugins.", Order: order(5)},
		"includes":  {Label: "Includes", Advanced: true, Order: order(200)},

		"gateway":                  {Label: "Gateway", Order: order(10)},
		"gateway.addr":             {Label: "Listen address", Placeholder: "127.0.0.1:18789", Order: order(1)},
		"gateway.tokens":           {Label: "Access tokens", Order: order(2)},
		"gateway.tokens[].token":   {Label: "Token", Sensitive: true},
		"gateway.rate_limit":       {Label: "Rate limit", Advanced: true, Order: order(3)},
		"gateway.rate_limit.burst": {Label: "Burst"},

		"logger":        {Label: "Logging", Order: order(20)},
		"logger.level":  {Label: "Level", Order: order(1)},
		"logger.format": {Label: "Format", Order: order(2)},
		"logger.output": {Label: "Output", Placeholder: "stderr", Order: order(3)},

		"tracer": {Label: "Tracing", Advanced: true, Order: order(30)},

		"plugins":         {Label: "Plugins", Order: order(40)},
		"plugins.enabled": {Label: "Enable plugins", Order: order(1)},
		"plugins.allow":   {Label: "Plugin allowlist", Help: "Only these plugin ids load when set.", Order: order(2)},
		"plugins.deny":    {Label: "Plugin denylist", Help: "These plugin ids never load.", Order: order(3)},
		"plugins.load":    {Label: "Plugin load paths", Advanced: true, Order: order(4)},
		"plugins.entries": {Label: "Plugin entries", Order: order(5)},
		"plugins.wasm":    {Label: "WASM sandbox", Advanced: true, Order: order(6)},

		"plugins.wasm.max_memory_mb": {Label: "Max memory (MB)"},

		"channels": {Label: "Channels", Order: order(50)},

		"audit":                {Label: "Audit trail", Advanced: true, Order: order(60)},
		"audit.path":           {Label: "Database path"},
		"audit.retention":      {Label: "Retention", Placeholder: "2160h"},
		"audit.prune_schedule": {Label: "Prune schedule", Placeholder: "@daily"},

		"status":                  {Label: "Status", Advanced: true, Order: order(70)},
		"status.refresh_schedule": {Label: "Probe refresh schedule", Placeholder: "@every 5m"},
	}
}

// BuildSchema merges the core schema with plugin and channel schemas.
// Plugin config schemas land under plugins.entries.<id>.config and channel
// schemas under channels.<id>. Property order follows UI hint order, then
// key order; it never changes what validates.
func BuildSchema(in SchemaInput) *SchemaResponse {
	doc := CoreSchema()
	hints := CoreUIHints()

	props := doc["properties"].(map[string]any)

	entries := props["plugins"].(map[string]any)["properties"].(map[string]any)["entries"].(map[string]any)
	entryProps := map[string]any{}
	seenPlugins := map[string]bool{}
	for _, p := range in.Plugins {
		id := strings.TrimSpace(p.ID)
		if id == "" || seenPlugins[id] {
			continue
		}
		seenPlugins[id] = true

		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = id
		}
		configSchema := map[string]any{"type": "object"}
		if p.ConfigSchema != nil {
			configSchema = Clone(p.ConfigSchema)
		}
		entry := map[string]any{
			"type":                 "object",
			"title":                name,
			"additionalProperties": false,
			"properties": map[string]any{
				"enabled": map[string]any{"type": "boolean"},
				"config":  configSchema,
			},
		}
		if p.Description != "" {
			entry["description"] = p.Description
		}
		entryProps[id] = entry

		prefix := "plugins.entries." + id
		hints[prefix] = domain.ConfigUIHint{Label: name, Help: p.Description}
		hints[prefix+".enabled"] = domain.ConfigUIHint{Label: "Enable " + name}
		hints[prefix+".config"] = domain.ConfigUIHint{
			Label: name + " Config",
			Help:  "Plugin-defined config payload for " + id + ".",
		}
		for k, v := range p.ConfigUIHints {
			hints[prefix+".config."+k] = v
		}
	}
	if len(entryProps) > 0 {
		entries["properties"] = entryProps
	}

	channels := props["channels"].(map[string]any)
	channelProps := map[string]any{}
	for _, c := range in.Channels {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		if _, dup := channelProps[id]; dup {
			continue
		}
		section := map[string]any{"type": "object"}
		if c.ConfigSchema != nil {
			section = Clone(c.ConfigSchema)
		}
		label := c.Label
		if label == "" {
			label = id
		}
		section["title"] = label
		if c.Description != "" {
			section["description"] = c.Description
		}
		channelProps[id] = section

		prefix := "channels." + id
		hints[prefix] = domain.ConfigUIHint{Label: label, Help: c.Description}
		for k, v := range c.ConfigUIHints {
			hints[prefix+"."+k] = v
		}
	}
	if len(channelProps) > 0 {
		channels["properties"] = channelProps
	}

	return &SchemaResponse{
		Schema:      orderSchema(doc, "", hints),
		UIHints:     hints,
		Version:     in.Version,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		doc:         doc,
	}
}

// leadingKeys are emitted first, in this order, in every schema node.
var leadingKeys = []string{"$schema", "title", "description", "type", "properties", "required", "additionalProperties", "items"}

func schemaKeyOrder(node map[string]any) []string {
	keys := make([]string, 0, len(node))
	seen := make(map[string]bool, len(leadingKeys))
	for _, k := range leadingKeys {
		if _, ok := node[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for _, k := range SortedKeys(node) {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func orderSchema(node map[string]any, path string, hints map[string]domain.ConfigUIHint) *orderedmap.OrderedMap[string, any] {
	om := orderedmap.New[string, any]()
	for _, k := range schemaKeyOrder(node) {
		v := node[k]
		switch k {
		case "properties":
			if props, ok := v.(map[string]any); ok {
				om.Set(k, orderProperties(props, path, hints))
				continue
			}
		case "items":
			if m, ok := v.(map[string]any); ok {
				om.Set(k, orderSchema(m, path+"[]", hints))
				continue
			}
		case "additionalProperties":
			if m, ok := v.(map[string]any); ok {
				om.Set(k, orderSchema(m, joinPath(path, "*"), hints))
				continue
			}
		}
		om.Set(k, orderValue(v))
	}
	return om
}

func orderProperties(props map[string]any, path string, hints map[string]domain.ConfigUIHint) *orderedmap.OrderedMap[string, any] {
	names := SortedKeys(props)
	sort.SliceStable(names, func(i, j int) bool {
		oi := hints[joinPath(path, names[i])].Order
		oj := hints[joinPath(path, names[j])].Order
		switch {
		case oi != nil && oj != nil:
			return *oi < *oj
		case oi != nil:
			return true
		default:
			return false
		}
	})

	om := orderedmap.New[string, any]()
	for _, name := range names {
		child := props[name]
		if m, ok := child.(map[string]any); ok {
			om.Set(name, orderSchema(m, joinPath(path, name), hints))
			continue
		}
		om.Set(name, orderValue(child))
	}
	return om
}

func orderValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		om := orderedmap.New[string, any]()
		for _, k := range SortedKeys(t) {
			om.Set(k, orderValue(t[k]))
		}
		return om
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = orderValue(item)
		}
		return out
	default:
		return v
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
