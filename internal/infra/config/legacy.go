package config

import (
	"fmt"

	"relaybot/internal/domain"
)

// LegacyResult is the outcome of ApplyLegacyMigrations. Next is nil when no
// rule matched.
type LegacyResult struct {
	Next    map[string]any
	Changes []string
}

type legacyRule struct {
	path    string
	message string
	detect  func(tree map[string]any) bool
	apply   func(tree map[string]any) string
}

// legacyChannelKeys were accepted as top-level sections before channels
// moved under "channels".
var legacyChannelKeys = []string{"discord", "slack", "msteams"}

var legacyRules = buildLegacyRules()

func buildLegacyRules() []legacyRule {
	var rules []legacyRule
	for _, id := range legacyChannelKeys {
		rules = append(rules, legacyRule{
			path:    id,
			message: fmt.Sprintf("%s moved to channels.%s", id, id),
			detect: func(tree map[string]any) bool {
				return IsObject(tree[id])
			},
			apply: func(tree map[string]any) string {
				section := tree[id].(map[string]any)
				delete(tree, id)
				channels := ensureObject(tree, "channels")
				if existing, ok := channels[id].(map[string]any); ok {
					// The nested section wins over the stale top-level copy.
					channels[id] = MergePatch(section, existing)
					return fmt.Sprintf("Merged %s into channels.%s.", id, id)
				}
				channels[id] = section
				return fmt.Sprintf("Moved %s to channels.%s.", id, id)
			},
		})
	}

	rules = append(rules,
		legacyRule{
			path:    "channels.teams",
			message: "channels.teams was renamed to channels.msteams",
			detect: func(tree map[string]any) bool {
				_, ok := Lookup(tree, "channels", "teams")
				return ok
			},
			apply: func(tree map[string]any) string {
				channels := Map(tree, "channels")
				teams := channels["teams"]
				delete(channels, "teams")
				if _, ok := channels["msteams"]; ok {
					return "Removed channels.teams (channels.msteams already set)."
				}
				channels["msteams"] = teams
				return "Moved channels.teams to channels.msteams."
			},
		},
		legacyRule{
			path:    "plugins.enable",
			message: "plugins.enable was renamed to plugins.enabled",
			detect: func(tree map[string]any) bool {
				_, ok := Lookup(tree, "plugins", "enable")
				return ok
			},
			apply: func(tree map[string]any) string {
				plugins := Map(tree, "plugins")
				v := plugins["enable"]
				delete(plugins, "enable")
				if _, ok := plugins["enabled"]; ok {
					return "Removed plugins.enable (plugins.enabled already set)."
				}
				plugins["enabled"] = v
				return "Moved plugins.enable to plugins.enabled."
			},
		},
		legacyRule{
			path:    "gateway.token",
			message: "gateway.token was replaced by gateway.tokens",
			detect: func(tree map[string]any) bool {
				_, ok := Lookup(tree, "gateway", "token")
				return ok
			},
			apply: func(tree map[string]any) string {
				gw := Map(tree, "gateway")
				token, _ := gw["token"].(string)
				delete(gw, "token")
				if _, ok := gw["tokens"]; ok || token == "" {
					return "Removed gateway.token."
				}
				gw["tokens"] = []any{map[string]any{
					"token": token,
					"name":  "default",
					"roles": []any{string(domain.AuthRoleAdmin)},
				}}
				return "Moved gateway.token to gateway.tokens[0] (role admin)."
			},
		},
		legacyRule{
			path:    "channels.*.dm_policy",
			message: "channels.<id>.dm_policy moved to channels.<id>.dm.policy",
			detect: func(tree map[string]any) bool {
				for _, section := range Map(tree, "channels") {
					if obj, ok := section.(map[string]any); ok {
						if _, ok := obj["dm_policy"]; ok {
							return true
						}
					}
				}
				return false
			},
			apply: func(tree map[string]any) string {
				channels := Map(tree, "channels")
				moved := 0
				for _, id := range SortedKeys(channels) {
					obj, ok := channels[id].(map[string]any)
					if !ok {
						continue
					}
					v, ok := obj["dm_policy"]
					if !ok {
						continue
					}
					delete(obj, "dm_policy")
					dm := ensureObject(obj, "dm")
					if _, set := dm["policy"]; !set {
						dm["policy"] = v
					}
					moved++
				}
				return fmt.Sprintf("Moved dm_policy to dm.policy in %d channel(s).", moved)
			},
		},
	)
	return rules
}

// ApplyLegacyMigrations rewrites obsolete keys in a copy of tree. It never
// modifies its argument.
func ApplyLegacyMigrations(tree map[string]any) LegacyResult {
	if tree == nil {
		return LegacyResult{}
	}
	next := Clone(tree)
	var changes []string
	for _, r := range legacyRules {
		if r.detect(next) {
			changes = append(changes, r.apply(next))
		}
	}
	if len(changes) == 0 {
		return LegacyResult{}
	}
	return LegacyResult{Next: next, Changes: changes}
}

// LegacyIssues lists the obsolete keys present in tree without changing it.
func LegacyIssues(tree map[string]any) []domain.Issue {
	issues := []domain.Issue{}
	if tree == nil {
		return issues
	}
	for _, r := range legacyRules {
		if r.detect(tree) {
			issues = append(issues, domain.Issue{Path: r.path, Message: r.message})
		}
	}
	return issues
}

func ensureObject(m map[string]any, key string) map[string]any {
	obj, ok := m[key].(map[string]any)
	if !ok {
		obj = map[string]any{}
		m[key] = obj
	}
	return obj
}
