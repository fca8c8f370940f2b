package channel

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// Token sources reported in account snapshots.
const (
	TokenSourceConfig = "config"
	TokenSourceEnv    = "env"
	TokenSourceNone   = "none"
)

// NormalizeAccountID lowercases and trims id. Blank ids map to the default
// account.
func NormalizeAccountID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return domain.DefaultAccountID
	}
	return id
}

// Section returns channels.<channelID> of cfg, or nil.
func Section(cfg map[string]any, channelID string) map[string]any {
	return config.Map(config.Map(cfg, "channels"), channelID)
}

// ListAccountIDs returns the sorted account ids of a multi-account section.
// A section without accounts has only the default account.
func ListAccountIDs(cfg map[string]any, channelID string) []string {
	accounts := config.Map(Section(cfg, channelID), "accounts")
	if len(accounts) == 0 {
		return []string{domain.DefaultAccountID}
	}
	seen := make(map[string]bool, len(accounts))
	ids := make([]string, 0, len(accounts))
	for _, key := range config.SortedKeys(accounts) {
		id := NormalizeAccountID(key)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DefaultAccountIDFor picks the default account when present, else the first
// listed one.
func DefaultAccountIDFor(cfg map[string]any, channelID string) string {
	ids := ListAccountIDs(cfg, channelID)
	for _, id := range ids {
		if id == domain.DefaultAccountID {
			return id
		}
	}
	return ids[0]
}

// accountEntry finds the account entry whose normalized key matches
// accountID.
func accountEntry(section map[string]any, accountID string) (string, map[string]any) {
	accounts := config.Map(section, "accounts")
	for _, key := range config.SortedKeys(accounts) {
		if NormalizeAccountID(key) == accountID {
			entry, _ := accounts[key].(map[string]any)
			return key, entry
		}
	}
	return "", nil
}

// HasAccountEntry reports whether channels.<channelID>.accounts holds an
// entry for accountID.
func HasAccountEntry(cfg map[string]any, channelID, accountID string) bool {
	key, _ := accountEntry(Section(cfg, channelID), NormalizeAccountID(accountID))
	return key != ""
}

// AccountConfig returns the effective config of one account: the base
// section without its accounts map, overlaid by the account entry.
func AccountConfig(cfg map[string]any, channelID, accountID string) map[string]any {
	section := Section(cfg, channelID)
	out := make(map[string]any, len(section))
	for k, v := range section {
		if k != "accounts" {
			out[k] = v
		}
	}
	_, entry := accountEntry(section, NormalizeAccountID(accountID))
	for k, v := range entry {
		out[k] = v
	}
	return out
}

// AccountEnabled applies both the section and the account enabled flags.
func AccountEnabled(cfg map[string]any, channelID, accountID string) bool {
	if !config.Bool(Section(cfg, channelID), "enabled", true) {
		return false
	}
	_, entry := accountEntry(Section(cfg, channelID), NormalizeAccountID(accountID))
	return config.Bool(entry, "enabled", true)
}

// ResolveToken finds a credential of an account: accountCfg[key] first, then
// envVar for the default account.
func ResolveToken(accountCfg map[string]any, key, accountID, envVar string) (token, source string) {
	if t := config.String(accountCfg, key); t != "" {
		return t, TokenSourceConfig
	}
	if envVar != "" && NormalizeAccountID(accountID) == domain.DefaultAccountID {
		if t := strings.TrimSpace(os.Getenv(envVar)); t != "" {
			return t, TokenSourceEnv
		}
	}
	return "", TokenSourceNone
}

// sectionOf returns channels.<channelID> inside next, creating it.
func sectionOf(next map[string]any, channelID string) map[string]any {
	channels, ok := next["channels"].(map[string]any)
	if !ok {
		channels = map[string]any{}
		next["channels"] = channels
	}
	section, ok := channels[channelID].(map[string]any)
	if !ok {
		section = map[string]any{}
		channels[channelID] = section
	}
	return section
}

// accountOf returns the account entry of accountID inside section, creating
// it under the normalized id when missing.
func accountOf(section map[string]any, accountID string) map[string]any {
	accounts, ok := section["accounts"].(map[string]any)
	if !ok {
		accounts = map[string]any{}
		section["accounts"] = accounts
	}
	key, entry := accountEntry(section, accountID)
	if entry != nil {
		return entry
	}
	if key == "" {
		key = accountID
	}
	entry = map[string]any{}
	accounts[key] = entry
	return entry
}

// SetAccountEnabled returns a copy of cfg with the enabled flag of one account
// set. With allowTopLevel the default account is toggled on the base section.
func SetAccountEnabled(cfg map[string]any, channelID, accountID string, enabled, allowTopLevel bool) map[string]any {
	next := config.Clone(cfg)
	if next == nil {
		next = map[string]any{}
	}
	accountID = NormalizeAccountID(accountID)
	section := sectionOf(next, channelID)
	if allowTopLevel && accountID == domain.DefaultAccountID {
		section["enabled"] = enabled
		return next
	}
	accountOf(section, accountID)["enabled"] = enabled
	return next
}

// DeleteAccount returns a copy of cfg without one account. For the default
// account the listed base fields are cleared too. Empty accounts maps are
// dropped.
func DeleteAccount(cfg map[string]any, channelID, accountID string, clearBaseFields []string) map[string]any {
	next := config.Clone(cfg)
	accountID = NormalizeAccountID(accountID)
	section := Section(next, channelID)
	if section == nil {
		return next
	}
	if accounts := config.Map(section, "accounts"); accounts != nil {
		if key, _ := accountEntry(section, accountID); key != "" {
			delete(accounts, key)
		}
		if len(accounts) == 0 {
			delete(section, "accounts")
		}
	}
	if accountID == domain.DefaultAccountID {
		for _, field := range clearBaseFields {
			delete(section, field)
		}
	}
	return next
}

// ApplyAccountName returns a copy of cfg with the display name of one account
// set. The default account keeps its name on the base section unless the
// section already uses an accounts map.
func ApplyAccountName(cfg map[string]any, channelID, accountID, name string) map[string]any {
	next := config.Clone(cfg)
	if next == nil {
		next = map[string]any{}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return next
	}
	accountID = NormalizeAccountID(accountID)
	section := sectionOf(next, channelID)
	_, entry := accountEntry(section, accountID)
	if accountID == domain.DefaultAccountID && entry == nil && config.Map(section, "accounts") == nil {
		section["name"] = name
		return next
	}
	accountOf(section, accountID)["name"] = name
	return next
}

// MigrateBaseNameToDefaultAccount moves a base-section name into
// accounts.default so that adding a second account keeps the label attached
// to the account it described.
func MigrateBaseNameToDefaultAccount(cfg map[string]any, channelID string) map[string]any {
	next := config.Clone(cfg)
	section := Section(next, channelID)
	name := config.String(section, "name")
	if name == "" {
		return next
	}
	entry := accountOf(section, domain.DefaultAccountID)
	if config.String(entry, "name") == "" {
		entry["name"] = name
	}
	delete(section, "name")
	return next
}

// FormatAllowFrom trims and lowercases entries, dropping blanks.
func FormatAllowFrom(allowFrom []string) []string {
	out := make([]string, 0, len(allowFrom))
	for _, entry := range allowFrom {
		if e := strings.ToLower(strings.TrimSpace(entry)); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// stripPrefixes removes one leading match of re, then trims.
func stripPrefixes(re *regexp.Regexp, s string) string {
	return strings.TrimSpace(re.ReplaceAllString(strings.TrimSpace(s), ""))
}

// filterDirectory applies the query filter (case-insensitive substring on
// the id) and limit to entries, dropping duplicates.
func filterDirectory(entries []domain.DirectoryEntry, query string, limit int) []domain.DirectoryEntry {
	query = strings.ToLower(strings.TrimSpace(query))
	seen := make(map[string]bool, len(entries))
	out := make([]domain.DirectoryEntry, 0, len(entries))
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if query != "" && !strings.Contains(strings.ToLower(e.ID), query) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// applyRuntime copies runtime fields into an account snapshot.
func applyRuntime(snap *domain.AccountSnapshot, rt *domain.AccountRuntime) {
	if rt == nil {
		return
	}
	snap.Running = rt.Running
	snap.LastStartAt = rt.LastStartAt
	snap.LastStopAt = rt.LastStopAt
	snap.LastError = rt.LastError
	snap.LastInboundAt = rt.LastInboundAt
	snap.LastOutboundAt = rt.LastOutboundAt
}

// baseSummary is the channel summary shared by the built-in channels.
func baseSummary(snap domain.AccountSnapshot) map[string]any {
	tokenSource := snap.TokenSource
	if tokenSource == "" {
		tokenSource = TokenSourceNone
	}
	return map[string]any{
		"configured":  snap.Configured,
		"tokenSource": tokenSource,
		"running":     snap.Running,
		"lastStartAt": snap.LastStartAt,
		"lastStopAt":  snap.LastStopAt,
		"lastError":   snap.LastError,
		"probe":       snap.Probe,
		"lastProbeAt": snap.LastProbeAt,
	}
}
