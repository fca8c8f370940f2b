package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

const (
	discordID       = "discord"
	discordTokenEnv = "DISCORD_BOT_TOKEN"

	discordTextLimit = 2000
	discordPollMax   = 10
)

var (
	discordAllowPrefix   = regexp.MustCompile(`(?i)^(discord|user):`)
	discordGroupPrefix   = regexp.MustCompile(`(?i)^(discord|channel|group):`)
	discordUserMention   = regexp.MustCompile(`^<@!?(\d+)>$`)
	discordChanMention   = regexp.MustCompile(`^<#(\d+)>$`)
	discordMentionStrip  = regexp.MustCompile(`<@!?\d+>`)
	discordDigits        = regexp.MustCompile(`^\d+$`)
	discordTargetPrefix  = regexp.MustCompile(`(?i)^discord:`)
	discordTaggedTarget  = regexp.MustCompile(`(?i)^(user|channel|group):(.*)$`)
	discordAuditRequired = int64(discordgo.PermissionViewChannel | discordgo.PermissionSendMessages)
)

// discordAPI is the REST surface of *discordgo.Session the adapter uses.
type discordAPI interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// DiscordOption configures a Discord adapter.
type DiscordOption func(*Discord)

// WithDiscordAPI replaces the REST client factory.
func WithDiscordAPI(fn func(token string) (discordAPI, error)) DiscordOption {
	return func(d *Discord) { d.newAPI = fn }
}

// Discord is the Discord bot adapter.
type Discord struct {
	logger *slog.Logger
	newAPI func(token string) (discordAPI, error)
}

// NewDiscord creates the Discord adapter.
func NewDiscord(logger *slog.Logger, opts ...DiscordOption) *Discord {
	d := &Discord{
		logger: logger,
		newAPI: func(token string) (discordAPI, error) {
			return discordgo.New("Bot " + token)
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Discord) ID() string { return discordID }

func (d *Discord) Meta() domain.ChannelMeta {
	return domain.ChannelMeta{
		ID:             discordID,
		Label:          "Discord",
		SelectionLabel: "Discord (Bot API)",
		DocsPath:       "/channels/discord",
		DocsLabel:      "discord",
		Blurb:          "very well supported right now.",
		Order:          30,
	}
}

func (d *Discord) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes:      []domain.ChatType{domain.ChatDirect, domain.ChatChannel, domain.ChatThread},
		Polls:          true,
		Reactions:      true,
		Threads:        true,
		Media:          true,
		NativeCommands: true,
	}
}

func (d *Discord) ConfigSchema() *domain.ChannelConfigSchema {
	channelEntry := objectSchema(map[string]any{
		"allow":          boolSchema(),
		"requireMention": boolSchema(),
		"users":          allowListSchema(),
	})
	guild := objectSchema(map[string]any{
		"requireMention": boolSchema(),
		"users":          allowListSchema(),
		"channels":       map[string]any{"type": "object", "additionalProperties": channelEntry},
	})
	account := map[string]any{
		"enabled":     boolSchema(),
		"name":        stringSchema(),
		"token":       stringSchema(),
		"groupPolicy": enumSchema("open", "allowlist", "disabled"),
		"replyToMode": enumSchema("off", "first", "all"),
		"dm":          dmSchema(),
		"dms":         map[string]any{"type": "object"},
		"guilds":      map[string]any{"type": "object", "additionalProperties": guild},
		"actions":     map[string]any{"type": "object", "additionalProperties": boolSchema()},
	}
	return &domain.ChannelConfigSchema{
		Schema: multiAccountSchema(account),
		UIHints: map[string]domain.ConfigUIHint{
			"token":       {Label: "Bot Token", Sensitive: true, Help: "Falls back to DISCORD_BOT_TOKEN for the default account."},
			"groupPolicy": {Label: "Guild Policy"},
			"dm.policy":   {Label: "DM Policy"},
			"guilds":      {Label: "Guilds", Advanced: true},
		},
	}
}

// --- Config ---

func (d *Discord) ListAccountIDs(cfg map[string]any) []string {
	return ListAccountIDs(cfg, discordID)
}

func (d *Discord) DefaultAccountID(cfg map[string]any) string {
	return DefaultAccountIDFor(cfg, discordID)
}

func (d *Discord) ResolveAccount(cfg map[string]any, accountID string) domain.ChannelAccount {
	id := NormalizeAccountID(accountID)
	if strings.TrimSpace(accountID) == "" {
		id = d.DefaultAccountID(cfg)
	}
	acfg := AccountConfig(cfg, discordID, id)
	token, source := ResolveToken(acfg, "token", id, discordTokenEnv)
	return domain.ChannelAccount{
		AccountID:   id,
		Name:        config.String(acfg, "name"),
		Enabled:     AccountEnabled(cfg, discordID, id),
		Configured:  token != "",
		Token:       token,
		TokenSource: source,
		Config:      acfg,
	}
}

func (d *Discord) SetAccountEnabled(cfg map[string]any, accountID string, enabled bool) map[string]any {
	return SetAccountEnabled(cfg, discordID, accountID, enabled, true)
}

func (d *Discord) DeleteAccount(cfg map[string]any, accountID string) map[string]any {
	return DeleteAccount(cfg, discordID, accountID, []string{"token", "name"})
}

func (d *Discord) IsConfigured(account domain.ChannelAccount, _ map[string]any) bool {
	return strings.TrimSpace(account.Token) != ""
}

func (d *Discord) DescribeAccount(account domain.ChannelAccount) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		AccountID:   account.AccountID,
		Name:        account.Name,
		Enabled:     account.Enabled,
		Configured:  strings.TrimSpace(account.Token) != "",
		TokenSource: account.TokenSource,
	}
}

func (d *Discord) ResolveAllowFrom(cfg map[string]any, accountID string) []string {
	return config.StringSlice(config.Map(d.ResolveAccount(cfg, accountID).Config, "dm"), "allowFrom")
}

func (d *Discord) FormatAllowFrom(allowFrom []string) []string {
	return FormatAllowFrom(allowFrom)
}

// --- Security, pairing, groups ---

func normalizeDiscordEntry(raw string) string {
	s := stripPrefixes(discordAllowPrefix, raw)
	return discordUserMention.ReplaceAllString(s, "$1")
}

func (d *Discord) ResolveDMPolicy(cfg map[string]any, account domain.ChannelAccount) *domain.DMPolicy {
	accountID := account.AccountID
	if accountID == "" {
		accountID = domain.DefaultAccountID
	}
	path := "channels.discord.dm."
	if HasAccountEntry(cfg, discordID, accountID) {
		path = "channels.discord.accounts." + accountID + ".dm."
	}
	dm := config.Map(account.Config, "dm")
	policy := config.String(dm, "policy")
	if policy == "" {
		policy = "pairing"
	}
	allowFrom := config.StringSlice(dm, "allowFrom")
	if allowFrom == nil {
		allowFrom = []string{}
	}
	return &domain.DMPolicy{
		Policy:         policy,
		AllowFrom:      allowFrom,
		AllowFromPath:  path,
		ApproveHint:    pairingApproveHint(discordID),
		NormalizeEntry: normalizeDiscordEntry,
	}
}

func (d *Discord) CollectWarnings(_ map[string]any, account domain.ChannelAccount) []string {
	groupPolicy := config.String(account.Config, "groupPolicy")
	if groupPolicy == "" {
		groupPolicy = "allowlist"
	}
	if groupPolicy != "open" {
		return nil
	}
	if len(config.Map(account.Config, "guilds")) > 0 {
		return []string{`- Discord guilds: groupPolicy="open" allows any channel not explicitly denied to trigger (mention-gated). Set channels.discord.groupPolicy="allowlist" and configure channels.discord.guilds.<id>.channels.`}
	}
	return []string{`- Discord guilds: groupPolicy="open" with no guild/channel allowlist; any channel can trigger (mention-gated). Set channels.discord.groupPolicy="allowlist" and configure channels.discord.guilds.<id>.channels.`}
}

func (d *Discord) PairingIDLabel() string { return "discordUserId" }

func (d *Discord) NormalizeAllowEntry(entry string) string {
	return discordAllowPrefix.ReplaceAllString(entry, "")
}

func (d *Discord) NotifyApproval(ctx context.Context, cfg map[string]any, id string) error {
	res := d.SendText(ctx, domain.OutboundRequest{Config: cfg, To: "user:" + id, Text: PairingApprovedMessage})
	if !res.OK() {
		return fmt.Errorf("%w: %s", domain.ErrDelivery, res.Error)
	}
	return nil
}

// ResolveRequireMention looks the group up as a guild channel first, then as
// a guild. Mentions are required unless configured otherwise.
func (d *Discord) ResolveRequireMention(cfg map[string]any, accountID, groupID string) bool {
	guilds := config.Map(AccountConfig(cfg, discordID, NormalizeAccountID(accountID)), "guilds")
	for _, guildID := range config.SortedKeys(guilds) {
		guild, _ := guilds[guildID].(map[string]any)
		if ch := config.Map(config.Map(guild, "channels"), groupID); ch != nil {
			if v, ok := ch["requireMention"].(bool); ok {
				return v
			}
			return config.Bool(guild, "requireMention", true)
		}
	}
	if guild := config.Map(guilds, groupID); guild != nil {
		return config.Bool(guild, "requireMention", true)
	}
	return true
}

func (d *Discord) MentionStripPatterns() []string { return []string{`<@!?\d+>`} }

func (d *Discord) ResolveReplyToMode(cfg map[string]any) domain.ReplyToMode {
	switch mode := domain.ReplyToMode(config.String(Section(cfg, discordID), "replyToMode")); mode {
	case domain.ReplyToFirst, domain.ReplyToAll:
		return mode
	default:
		return domain.ReplyToOff
	}
}

// --- Messaging, directory, actions, onboarding ---

// NormalizeTarget maps mentions and prefixed ids to user:<id> or
// channel:<id>. Bare ids are channels.
func (d *Discord) NormalizeTarget(raw string) (string, bool) {
	s := stripPrefixes(discordTargetPrefix, raw)
	if s == "" {
		return "", false
	}
	if m := discordUserMention.FindStringSubmatch(s); m != nil {
		return "user:" + m[1], true
	}
	if m := discordChanMention.FindStringSubmatch(s); m != nil {
		return "channel:" + m[1], true
	}
	if m := discordTaggedTarget.FindStringSubmatch(s); m != nil {
		id := strings.TrimSpace(m[2])
		if id == "" {
			return "", false
		}
		if strings.EqualFold(m[1], "user") {
			return "user:" + id, true
		}
		return "channel:" + id, true
	}
	return "channel:" + s, true
}

func (d *Discord) ListPeers(_ context.Context, q domain.DirectoryQuery) ([]domain.DirectoryEntry, error) {
	acfg := d.ResolveAccount(q.Config, q.AccountID).Config
	var raw []string
	for _, entry := range config.StringSlice(config.Map(acfg, "dm"), "allowFrom") {
		if e := strings.TrimSpace(entry); e != "" && e != "*" {
			raw = append(raw, e)
		}
	}
	raw = append(raw, config.SortedKeys(config.Map(acfg, "dms"))...)
	guilds := config.Map(acfg, "guilds")
	for _, guildID := range config.SortedKeys(guilds) {
		guild, _ := guilds[guildID].(map[string]any)
		raw = append(raw, config.StringSlice(guild, "users")...)
		channels := config.Map(guild, "channels")
		for _, chID := range config.SortedKeys(channels) {
			ch, _ := channels[chID].(map[string]any)
			raw = append(raw, config.StringSlice(ch, "users")...)
		}
	}

	entries := make([]domain.DirectoryEntry, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if m := discordUserMention.FindStringSubmatch(r); m != nil {
			r = m[1]
		}
		cleaned := stripPrefixes(discordAllowPrefix, r)
		if !discordDigits.MatchString(cleaned) {
			continue
		}
		entries = append(entries, domain.DirectoryEntry{Kind: "user", ID: "user:" + cleaned})
	}
	return filterDirectory(entries, q.Query, q.Limit), nil
}

func (d *Discord) ListGroups(_ context.Context, q domain.DirectoryQuery) ([]domain.DirectoryEntry, error) {
	guilds := config.Map(d.ResolveAccount(q.Config, q.AccountID).Config, "guilds")
	var entries []domain.DirectoryEntry
	for _, guildID := range config.SortedKeys(guilds) {
		guild, _ := guilds[guildID].(map[string]any)
		for _, chID := range config.SortedKeys(config.Map(guild, "channels")) {
			r := strings.TrimSpace(chID)
			if m := discordChanMention.FindStringSubmatch(r); m != nil {
				r = m[1]
			}
			cleaned := stripPrefixes(discordGroupPrefix, r)
			if !discordDigits.MatchString(cleaned) {
				continue
			}
			entries = append(entries, domain.DirectoryEntry{Kind: "group", ID: "channel:" + cleaned})
		}
	}
	return filterDirectory(entries, q.Query, q.Limit), nil
}

var discordActions = []string{"send", "poll", "react", "thread"}

// ListActions lists the message actions not switched off under
// channels.discord.actions. Nothing is offered without a configured account.
func (d *Discord) ListActions(cfg map[string]any) []string {
	configured := false
	for _, id := range d.ListAccountIDs(cfg) {
		acct := d.ResolveAccount(cfg, id)
		if acct.Enabled && acct.Configured {
			configured = true
			break
		}
	}
	if !configured {
		return nil
	}
	gates := config.Map(Section(cfg, discordID), "actions")
	var out []string
	for _, action := range discordActions {
		if config.Bool(gates, action, true) {
			out = append(out, action)
		}
	}
	return out
}

func (d *Discord) OnboardingStatus(cfg map[string]any) domain.OnboardingStatus {
	configured := false
	for _, id := range d.ListAccountIDs(cfg) {
		if d.ResolveAccount(cfg, id).Configured {
			configured = true
			break
		}
	}
	st := domain.OnboardingStatus{Channel: discordID, Configured: configured}
	if configured {
		st.StatusLines = []string{"Discord: configured"}
		return st
	}
	st.StatusLines = []string{"Discord: needs token"}
	st.Hint = "Create a bot in the Discord developer portal and set channels.discord.token or " + discordTokenEnv + "."
	return st
}

// --- Setup ---

func (d *Discord) ResolveSetupAccountID(accountID string) string {
	return NormalizeAccountID(accountID)
}

func (d *Discord) ValidateSetupInput(accountID string, in domain.SetupInput) string {
	if in.UseEnv && NormalizeAccountID(accountID) != domain.DefaultAccountID {
		return "DISCORD_BOT_TOKEN can only be used for the default account."
	}
	if !in.UseEnv && strings.TrimSpace(in.Token) == "" {
		return "Discord requires --token (or --use-env)."
	}
	return ""
}

func (d *Discord) ApplyAccountConfig(cfg map[string]any, accountID string, in domain.SetupInput) map[string]any {
	accountID = NormalizeAccountID(accountID)
	next := ApplyAccountName(cfg, discordID, accountID, in.Name)
	if accountID != domain.DefaultAccountID {
		next = MigrateBaseNameToDefaultAccount(next, discordID)
	}
	section := sectionOf(next, discordID)
	section["enabled"] = true
	token := strings.TrimSpace(in.Token)
	if accountID == domain.DefaultAccountID {
		if !in.UseEnv && token != "" {
			section["token"] = token
		}
		return next
	}
	entry := accountOf(section, accountID)
	entry["enabled"] = true
	if token != "" {
		entry["token"] = token
	}
	return next
}

// --- Outbound ---

func (d *Discord) OutboundInfo() domain.OutboundInfo {
	return domain.OutboundInfo{
		DeliveryMode:   domain.DeliveryDirect,
		TextChunkLimit: discordTextLimit,
		PollMaxOptions: discordPollMax,
	}
}

func (d *Discord) ResolveTarget(to string, _ []string, _ string) domain.TargetResult {
	to = strings.TrimSpace(to)
	if to == "" {
		return domain.TargetResult{Error: "Delivering to Discord requires --to <channelId|user:ID|channel:ID>"}
	}
	return domain.TargetResult{OK: true, To: to}
}

func (d *Discord) SendText(ctx context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return d.send(ctx, req, &discordgo.MessageSend{Content: req.Text})
}

func (d *Discord) SendMedia(ctx context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return d.send(ctx, req, &discordgo.MessageSend{Content: withMedia(req.Text, req.MediaURL)})
}

func (d *Discord) SendPoll(ctx context.Context, req domain.PollRequest) domain.DeliveryResult {
	poll := req.Poll
	if len(poll.Options) > discordPollMax {
		return domain.DeliveryResult{Channel: discordID, Error: fmt.Sprintf("discord polls support at most %d options", discordPollMax)}
	}
	answers := make([]discordgo.PollAnswer, 0, len(poll.Options))
	for _, opt := range poll.Options {
		answers = append(answers, discordgo.PollAnswer{Media: &discordgo.PollMedia{Text: opt}})
	}
	hours := poll.DurationHours
	if hours <= 0 {
		hours = 24
	}
	msg := &discordgo.MessageSend{Poll: &discordgo.Poll{
		Question:         discordgo.PollMedia{Text: poll.Question},
		Answers:          answers,
		AllowMultiselect: poll.MaxSelections > 1,
		Duration:         hours,
	}}
	return d.send(ctx, domain.OutboundRequest{Config: req.Config, AccountID: req.AccountID, To: req.To}, msg)
}

func (d *Discord) send(ctx context.Context, req domain.OutboundRequest, msg *discordgo.MessageSend) domain.DeliveryResult {
	acct := d.ResolveAccount(req.Config, req.AccountID)
	if acct.Token == "" {
		return failedDelivery(discordID, fmt.Errorf("discord bot token missing for account %q", acct.AccountID))
	}
	api, err := d.newAPI(acct.Token)
	if err != nil {
		return failedDelivery(discordID, fmt.Errorf("discord client: %w", err))
	}
	channelID, err := d.resolveChannel(ctx, api, req.To)
	if err != nil {
		return failedDelivery(discordID, err)
	}
	if req.ThreadID != "" {
		channelID = req.ThreadID
	}
	if req.ReplyToID != "" {
		msg.Reference = &discordgo.MessageReference{MessageID: req.ReplyToID, ChannelID: channelID}
	}
	sent, err := api.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		return failedDelivery(discordID, fmt.Errorf("discord send: %w", err))
	}
	return domain.DeliveryResult{Channel: discordID, MessageID: sent.ID, ChannelID: sent.ChannelID}
}

// resolveChannel turns a target into a channel id, opening a DM channel for
// user targets.
func (d *Discord) resolveChannel(ctx context.Context, api discordAPI, to string) (string, error) {
	target, ok := d.NormalizeTarget(to)
	if !ok {
		return "", fmt.Errorf("invalid discord target %q", to)
	}
	kind, id, _ := strings.Cut(target, ":")
	if kind != "user" {
		return id, nil
	}
	dm, err := api.UserChannelCreate(id, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord open dm: %w", err)
	}
	return dm.ID, nil
}

// --- Status ---

func (d *Discord) DefaultRuntime() domain.AccountRuntime {
	return domain.AccountRuntime{AccountID: domain.DefaultAccountID}
}

func (d *Discord) BuildChannelSummary(snap domain.AccountSnapshot) map[string]any {
	return baseSummary(snap)
}

func (d *Discord) BuildAccountSnapshot(in domain.SnapshotInput) domain.AccountSnapshot {
	snap := d.DescribeAccount(in.Account)
	applyRuntime(&snap, in.Runtime)
	snap.Probe = in.Probe
	snap.Audit = in.Audit
	var bot any
	if in.Runtime != nil {
		bot = in.Runtime.Fields["bot"]
	}
	if bot == nil && in.Probe != nil {
		bot = in.Probe.Details["bot"]
	}
	if bot != nil {
		snap.Extra = map[string]any{"bot": bot}
	}
	return snap
}

func (d *Discord) ProbeAccount(ctx context.Context, account domain.ChannelAccount, timeout time.Duration) domain.ProbeResult {
	start := time.Now()
	token := strings.TrimSpace(account.Token)
	if token == "" {
		return domain.ProbeResult{Error: "missing token"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	api, err := d.newAPI(token)
	if err != nil {
		return domain.ProbeResult{Error: err.Error(), ElapsedMs: elapsedMs(start)}
	}
	me, err := api.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return domain.ProbeResult{Error: err.Error(), ElapsedMs: elapsedMs(start)}
	}
	return domain.ProbeResult{
		OK:        true,
		ElapsedMs: elapsedMs(start),
		Details:   map[string]any{"bot": map[string]any{"id": me.ID, "username": me.Username}},
	}
}

// auditChannelIDs collects the numeric channel ids configured under guilds.
// Non-numeric keys are counted as unresolved.
func auditChannelIDs(acfg map[string]any) (ids []string, unresolved int) {
	guilds := config.Map(acfg, "guilds")
	for _, guildID := range config.SortedKeys(guilds) {
		guild, _ := guilds[guildID].(map[string]any)
		channels := config.Map(guild, "channels")
		for _, key := range config.SortedKeys(channels) {
			ch, _ := channels[key].(map[string]any)
			if !config.Bool(ch, "allow", true) || key == "*" {
				continue
			}
			cleaned := stripPrefixes(discordGroupPrefix, key)
			if m := discordChanMention.FindStringSubmatch(cleaned); m != nil {
				cleaned = m[1]
			}
			if discordDigits.MatchString(cleaned) {
				ids = append(ids, cleaned)
			} else {
				unresolved++
			}
		}
	}
	return ids, unresolved
}

// AuditAccount checks that the bot can view and post in every configured
// guild channel.
func (d *Discord) AuditAccount(ctx context.Context, account domain.ChannelAccount, _ map[string]any, timeout time.Duration) *domain.AuditResult {
	ids, unresolved := auditChannelIDs(account.Config)
	if len(ids) == 0 && unresolved == 0 {
		return nil
	}
	token := strings.TrimSpace(account.Token)
	if token == "" {
		return &domain.AuditResult{OK: unresolved == 0, UnresolvedChannels: unresolved}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &domain.AuditResult{UnresolvedChannels: unresolved}
	api, err := d.newAPI(token)
	if err != nil {
		result.Error = err.Error()
		result.ElapsedMs = elapsedMs(start)
		return result
	}
	me, err := api.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		result.Error = err.Error()
		result.ElapsedMs = elapsedMs(start)
		return result
	}
	missing := map[string]any{}
	for _, id := range ids {
		perms, err := api.UserChannelPermissions(me.ID, id, discordgo.WithContext(ctx))
		result.CheckedChannels++
		switch {
		case err != nil:
			missing[id] = err.Error()
		case perms&discordAuditRequired != discordAuditRequired:
			missing[id] = "missing view/send permission"
		}
	}
	result.OK = len(missing) == 0 && unresolved == 0
	if len(missing) > 0 {
		result.Details = map[string]any{"channels": missing}
	}
	result.ElapsedMs = elapsedMs(start)
	return result
}

func (d *Discord) CollectStatusIssues(accounts []domain.AccountSnapshot) []domain.StatusIssue {
	var issues []domain.StatusIssue
	for _, a := range accounts {
		if !a.Enabled || !a.Configured {
			continue
		}
		if a.Audit != nil && a.Audit.UnresolvedChannels > 0 {
			issues = append(issues, domain.StatusIssue{
				Channel:   discordID,
				AccountID: a.AccountID,
				Kind:      "config",
				Message:   fmt.Sprintf("%d guild channel key(s) are not numeric ids and cannot be audited", a.Audit.UnresolvedChannels),
				Fix:       "Use channel ids (enable Developer Mode, then Copy ID) under channels.discord.guilds.<id>.channels.",
			})
		}
		if a.Audit != nil && a.Audit.CheckedChannels > 0 && a.Audit.Details != nil {
			issues = append(issues, domain.StatusIssue{
				Channel:   discordID,
				AccountID: a.AccountID,
				Kind:      "permissions",
				Message:   "bot lacks view/send permission in some configured channels",
				Fix:       "Grant View Channel and Send Messages to the bot role.",
			})
		}
	}
	return issues
}

// --- Gateway ---

// StartAccount opens a gateway session for one account. The session closes
// when ctx is cancelled.
func (d *Discord) StartAccount(ctx context.Context, gc domain.GatewayContext) (domain.RunningHandle, error) {
	token := strings.TrimSpace(gc.Account.Token)
	if token == "" {
		return nil, fmt.Errorf("discord account %q: %w", gc.AccountID, ErrTokenMissing)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	w := &discordWorker{
		adapter: d,
		gc:      gc,
		logger:  gc.Logger,
		policy:  d.ResolveDMPolicy(gc.Config, gc.Account),
	}
	if w.logger == nil {
		w.logger = d.logger
	}
	session.AddHandler(w.onMessageCreate)
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord gateway open: %w", err)
	}
	if u := session.State.User; u != nil {
		w.botUserID = u.ID
		if gc.SetStatus != nil {
			gc.SetStatus(map[string]any{"bot": map[string]any{"id": u.ID, "username": u.Username}})
		}
	}
	w.logger.Info("discord account started", "account", gc.AccountID, "bot_user_id", w.botUserID)

	return domain.StartWorker(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return session.Close()
	}), nil
}

type discordWorker struct {
	adapter   *Discord
	gc        domain.GatewayContext
	logger    *slog.Logger
	policy    *domain.DMPolicy
	botUserID string
}

func (w *discordWorker) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == w.botUserID || m.Author.Bot {
		return
	}

	isDirect := m.GuildID == ""
	isMention := false
	for _, u := range m.Mentions {
		if u.ID == w.botUserID {
			isMention = true
			break
		}
	}

	if isDirect {
		if !admitDirect(w.policy, m.Author.ID) {
			w.logger.Debug("discord dm dropped by policy", "sender", m.Author.ID, "policy", w.policy.Policy)
			return
		}
	} else if !isMention && w.adapter.ResolveRequireMention(w.gc.Config, w.gc.AccountID, m.ChannelID) {
		return
	}

	msg := domain.InboundMessage{
		Channel:    discordID,
		AccountID:  w.gc.AccountID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		ChatID:     m.ChannelID,
		ChatType:   domain.ChatChannel,
		MessageID:  m.ID,
		Text:       strings.TrimSpace(discordMentionStrip.ReplaceAllString(m.Content, "")),
		IsMention:  isMention,
	}
	if isDirect {
		msg.ChatType = domain.ChatDirect
	}
	if m.Thread != nil {
		msg.ThreadID = m.Thread.ID
		msg.ChatType = domain.ChatThread
	}
	if msg.Text == "" {
		return
	}
	if w.gc.OnInbound != nil {
		w.gc.OnInbound(msg)
	}
}
