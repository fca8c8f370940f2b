package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Enable-state reasons recorded on disabled plugins.
const (
	ReasonPluginsDisabled = "plugins disabled"
	ReasonDenylisted      = "blocked by denylist"
	ReasonNotAllowlisted  = "not in allowlist"
	ReasonEntryDisabled   = "disabled in config"
)

// EntryPolicy is the per-plugin override under plugins.entries.<id>.
type EntryPolicy struct {
	Enabled *bool          `json:"enabled,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Policy is the normalized plugins section of the host config.
type Policy struct {
	Enabled   bool                   `json:"enabled"`
	Allow     []string               `json:"allow"`
	Deny      []string               `json:"deny"`
	LoadPaths []string               `json:"loadPaths"`
	Entries   map[string]EntryPolicy `json:"entries"`
}

// NormalizePolicy extracts the plugin policy from a config tree. Malformed
// values are dropped rather than rejected: the loader must always be able to
// run a pass.
func NormalizePolicy(cfg map[string]any) Policy {
	section, _ := cfg["plugins"].(map[string]any)
	p := Policy{
		Enabled: true,
		Allow:   normalizeList(section["allow"]),
		Deny:    normalizeList(section["deny"]),
		Entries: normalizeEntries(section["entries"]),
	}
	if enabled, ok := section["enabled"].(bool); ok {
		p.Enabled = enabled
	}
	if load, ok := section["load"].(map[string]any); ok {
		p.LoadPaths = normalizeList(load["paths"])
	} else {
		p.LoadPaths = []string{}
	}
	return p
}

func normalizeList(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			for _, s := range ss {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}
	for _, item := range items {
		s, _ := item.(string)
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeEntries(v any) map[string]EntryPolicy {
	out := make(map[string]EntryPolicy)
	entries, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for key, raw := range entries {
		if strings.TrimSpace(key) == "" {
			continue
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			out[key] = EntryPolicy{}
			continue
		}
		var ep EntryPolicy
		if enabled, ok := entry["enabled"].(bool); ok {
			ep.Enabled = &enabled
		}
		if cfg, ok := entry["config"].(map[string]any); ok {
			ep.Config = cfg
		}
		out[key] = ep
	}
	return out
}

// Fingerprint hashes the policy. encoding/json sorts map keys, so equal
// policies always hash equally.
func (p Policy) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		// Entry configs come from a parsed config tree and always marshal.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CacheKey identifies a load pass: canonical workspace path plus policy hash.
func CacheKey(workspaceDir string, p Policy) string {
	return ResolveUserPath(workspaceDir) + "::" + p.Fingerprint()
}

// ResolveEnableState decides whether a candidate may load. Precedence:
// global switch, denylist, allowlist, per-entry flag.
func ResolveEnableState(id string, p Policy) (bool, string) {
	if !p.Enabled {
		return false, ReasonPluginsDisabled
	}
	if contains(p.Deny, id) {
		return false, ReasonDenylisted
	}
	if len(p.Allow) > 0 && !contains(p.Allow, id) {
		return false, ReasonNotAllowlisted
	}
	if entry, ok := p.Entries[id]; ok && entry.Enabled != nil && !*entry.Enabled {
		return false, ReasonEntryDisabled
	}
	return true, ""
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
