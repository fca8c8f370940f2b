package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

const (
	slackID          = "slack"
	slackBotTokenEnv = "SLACK_BOT_TOKEN"
	slackAppTokenEnv = "SLACK_APP_TOKEN"
	slackTextLimit   = 4000
)

var (
	slackTargetPrefix = regexp.MustCompile(`(?i)^slack:`)
	slackAllowPrefix  = regexp.MustCompile(`(?i)^(slack|user):`)
	slackUserMention  = regexp.MustCompile(`^<@([A-Za-z0-9]+)(\|[^>]*)?>$`)
	slackChanMention  = regexp.MustCompile(`^<#([A-Za-z0-9]+)(\|[^>]*)?>$`)
	slackTaggedTarget = regexp.MustCompile(`(?i)^(user|channel):(.*)$`)
	slackMentionStrip = regexp.MustCompile(`<@[A-Za-z0-9]+>`)
)

// SlackOption configures a Slack adapter.
type SlackOption func(*Slack)

// WithSlackAPIURL points the Web API client at another base URL.
func WithSlackAPIURL(url string) SlackOption {
	return func(s *Slack) { s.apiURL = url }
}

// Slack is the Slack Socket Mode adapter.
type Slack struct {
	logger *slog.Logger
	apiURL string
}

// NewSlack creates the Slack adapter.
func NewSlack(logger *slog.Logger, opts ...SlackOption) *Slack {
	s := &Slack{logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Slack) client(botToken, appToken string) *slack.Client {
	opts := []slack.Option{}
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	return slack.New(botToken, opts...)
}

func (s *Slack) ID() string { return slackID }

func (s *Slack) Meta() domain.ChannelMeta {
	return domain.ChannelMeta{
		ID:             slackID,
		Label:          "Slack",
		SelectionLabel: "Slack (Socket Mode)",
		DocsPath:       "/channels/slack",
		DocsLabel:      "slack",
		Blurb:          "supported (Socket Mode).",
		Order:          40,
	}
}

func (s *Slack) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes:      []domain.ChatType{domain.ChatDirect, domain.ChatChannel, domain.ChatThread},
		Reactions:      true,
		Threads:        true,
		Media:          true,
		NativeCommands: true,
	}
}

func (s *Slack) ConfigSchema() *domain.ChannelConfigSchema {
	channelEntry := objectSchema(map[string]any{
		"allow":          boolSchema(),
		"requireMention": boolSchema(),
		"users":          allowListSchema(),
	})
	account := map[string]any{
		"enabled":     boolSchema(),
		"name":        stringSchema(),
		"botToken":    stringSchema(),
		"appToken":    stringSchema(),
		"groupPolicy": enumSchema("open", "allowlist", "disabled"),
		"replyToMode": enumSchema("off", "first", "all"),
		"dm":          dmSchema(),
		"dms":         map[string]any{"type": "object"},
		"channels":    map[string]any{"type": "object", "additionalProperties": channelEntry},
	}
	return &domain.ChannelConfigSchema{
		Schema: multiAccountSchema(account),
		UIHints: map[string]domain.ConfigUIHint{
			"botToken": {Label: "Bot Token", Sensitive: true, Placeholder: "xoxb-..."},
			"appToken": {Label: "App Token", Sensitive: true, Placeholder: "xapp-..."},
			"channels": {Label: "Channels", Advanced: true},
		},
	}
}

// --- Config ---

func (s *Slack) ListAccountIDs(cfg map[string]any) []string {
	return ListAccountIDs(cfg, slackID)
}

func (s *Slack) DefaultAccountID(cfg map[string]any) string {
	return DefaultAccountIDFor(cfg, slackID)
}

// ResolveAccount resolves the bot token into Token. The app-level token
// needed by Socket Mode is kept in Config under appToken.
func (s *Slack) ResolveAccount(cfg map[string]any, accountID string) domain.ChannelAccount {
	id := NormalizeAccountID(accountID)
	if strings.TrimSpace(accountID) == "" {
		id = s.DefaultAccountID(cfg)
	}
	acfg := AccountConfig(cfg, slackID, id)
	bot, source := ResolveToken(acfg, "botToken", id, slackBotTokenEnv)
	app, _ := ResolveToken(acfg, "appToken", id, slackAppTokenEnv)
	if app != "" {
		acfg["appToken"] = app
	}
	return domain.ChannelAccount{
		AccountID:   id,
		Name:        config.String(acfg, "name"),
		Enabled:     AccountEnabled(cfg, slackID, id),
		Configured:  bot != "" && app != "",
		Token:       bot,
		TokenSource: source,
		Config:      acfg,
	}
}

func (s *Slack) SetAccountEnabled(cfg map[string]any, accountID string, enabled bool) map[string]any {
	return SetAccountEnabled(cfg, slackID, accountID, enabled, true)
}

func (s *Slack) DeleteAccount(cfg map[string]any, accountID string) map[string]any {
	return DeleteAccount(cfg, slackID, accountID, []string{"botToken", "appToken", "name"})
}

func (s *Slack) IsConfigured(account domain.ChannelAccount, _ map[string]any) bool {
	return strings.TrimSpace(account.Token) != "" && config.String(account.Config, "appToken") != ""
}

func (s *Slack) DescribeAccount(account domain.ChannelAccount) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		AccountID:   account.AccountID,
		Name:        account.Name,
		Enabled:     account.Enabled,
		Configured:  s.IsConfigured(account, nil),
		TokenSource: account.TokenSource,
	}
}

func (s *Slack) ResolveAllowFrom(cfg map[string]any, accountID string) []string {
	return config.StringSlice(config.Map(s.ResolveAccount(cfg, accountID).Config, "dm"), "allowFrom")
}

func (s *Slack) FormatAllowFrom(allowFrom []string) []string {
	return FormatAllowFrom(allowFrom)
}

// --- Security, pairing, groups ---

func normalizeSlackEntry(raw string) string {
	entry := stripPrefixes(slackAllowPrefix, raw)
	if m := slackUserMention.FindStringSubmatch(entry); m != nil {
		return m[1]
	}
	return entry
}

func (s *Slack) ResolveDMPolicy(cfg map[string]any, account domain.ChannelAccount) *domain.DMPolicy {
	accountID := account.AccountID
	if accountID == "" {
		accountID = domain.DefaultAccountID
	}
	path := "channels.slack.dm."
	if HasAccountEntry(cfg, slackID, accountID) {
		path = "channels.slack.accounts." + accountID + ".dm."
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
		ApproveHint:    pairingApproveHint(slackID),
		NormalizeEntry: normalizeSlackEntry,
	}
}

func (s *Slack) CollectWarnings(_ map[string]any, account domain.ChannelAccount) []string {
	if config.String(account.Config, "groupPolicy") != "open" {
		return nil
	}
	if len(config.Map(account.Config, "channels")) > 0 {
		return []string{`- Slack channels: groupPolicy="open" allows any channel not explicitly denied to trigger (mention-gated). Set channels.slack.groupPolicy="allowlist" and configure channels.slack.channels.`}
	}
	return []string{`- Slack channels: groupPolicy="open" with no channel allowlist; any channel can trigger (mention-gated). Set channels.slack.groupPolicy="allowlist" and configure channels.slack.channels.`}
}

func (s *Slack) PairingIDLabel() string { return "slackUserId" }

func (s *Slack) NormalizeAllowEntry(entry string) string {
	return slackAllowPrefix.ReplaceAllString(entry, "")
}

func (s *Slack) NotifyApproval(ctx context.Context, cfg map[string]any, id string) error {
	res := s.SendText(ctx, domain.OutboundRequest{Config: cfg, To: "user:" + id, Text: PairingApprovedMessage})
	if !res.OK() {
		return fmt.Errorf("%w: %s", domain.ErrDelivery, res.Error)
	}
	return nil
}

func (s *Slack) ResolveRequireMention(cfg map[string]any, accountID, groupID string) bool {
	channels := config.Map(AccountConfig(cfg, slackID, NormalizeAccountID(accountID)), "channels")
	return config.Bool(config.Map(channels, groupID), "requireMention", true)
}

func (s *Slack) MentionStripPatterns() []string { return []string{`<@[A-Za-z0-9]+>`} }

func (s *Slack) ResolveReplyToMode(cfg map[string]any) domain.ReplyToMode {
	switch mode := domain.ReplyToMode(config.String(Section(cfg, slackID), "replyToMode")); mode {
	case domain.ReplyToFirst, domain.ReplyToAll:
		return mode
	default:
		return domain.ReplyToOff
	}
}

// --- Messaging and directory ---

// NormalizeTarget maps mentions and prefixed ids to user:<id> or
// channel:<id>. Bare ids are channels.
func (s *Slack) NormalizeTarget(raw string) (string, bool) {
	t := stripPrefixes(slackTargetPrefix, raw)
	if t == "" {
		return "", false
	}
	if m := slackUserMention.FindStringSubmatch(t); m != nil {
		return "user:" + m[1], true
	}
	if m := slackChanMention.FindStringSubmatch(t); m != nil {
		return "channel:" + m[1], true
	}
	if m := slackTaggedTarget.FindStringSubmatch(t); m != nil {
		id := strings.TrimSpace(m[2])
		if id == "" {
			return "", false
		}
		return strings.ToLower(m[1]) + ":" + id, true
	}
	return "channel:" + t, true
}

func (s *Slack) ListPeers(_ context.Context, q domain.DirectoryQuery) ([]domain.DirectoryEntry, error) {
	acfg := s.ResolveAccount(q.Config, q.AccountID).Config
	raw := config.StringSlice(config.Map(acfg, "dm"), "allowFrom")
	raw = append(raw, config.SortedKeys(config.Map(acfg, "dms"))...)
	var entries []domain.DirectoryEntry
	for _, r := range raw {
		id := normalizeSlackEntry(r)
		if id == "" || id == "*" {
			continue
		}
		entries = append(entries, domain.DirectoryEntry{Kind: "user", ID: "user:" + id})
	}
	return filterDirectory(entries, q.Query, q.Limit), nil
}

func (s *Slack) ListGroups(_ context.Context, q domain.DirectoryQuery) ([]domain.DirectoryEntry, error) {
	channels := config.Map(s.ResolveAccount(q.Config, q.AccountID).Config, "channels")
	var entries []domain.DirectoryEntry
	for _, key := range config.SortedKeys(channels) {
		target, ok := s.NormalizeTarget(key)
		if !ok || key == "*" || !strings.HasPrefix(target, "channel:") {
			continue
		}
		entries = append(entries, domain.DirectoryEntry{Kind: "group", ID: target})
	}
	return filterDirectory(entries, q.Query, q.Limit), nil
}

// --- Outbound ---

func (s *Slack) OutboundInfo() domain.OutboundInfo {
	return domain.OutboundInfo{DeliveryMode: domain.DeliveryDirect, TextChunkLimit: slackTextLimit}
}

func (s *Slack) ResolveTarget(to string, _ []string, _ string) domain.TargetResult {
	to = strings.TrimSpace(to)
	if to == "" {
		return domain.TargetResult{Error: "Delivering to Slack requires --to <channelId|user:ID|channel:ID>"}
	}
	return domain.TargetResult{OK: true, To: to}
}

func (s *Slack) SendText(ctx context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return s.post(ctx, req, req.Text)
}

func (s *Slack) SendMedia(ctx context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return s.post(ctx, req, withMedia(req.Text, req.MediaURL))
}

func (s *Slack) post(ctx context.Context, req domain.OutboundRequest, text string) domain.DeliveryResult {
	acct := s.ResolveAccount(req.Config, req.AccountID)
	if acct.Token == "" {
		return failedDelivery(slackID, fmt.Errorf("slack bot token missing for account %q", acct.AccountID))
	}
	api := s.client(acct.Token, "")

	target, ok := s.NormalizeTarget(req.To)
	if !ok {
		return failedDelivery(slackID, fmt.Errorf("invalid slack target %q", req.To))
	}
	kind, id, _ := strings.Cut(target, ":")
	channelID := id
	if kind == "user" {
		im, _, _, err := api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{id}, ReturnIM: true})
		if err != nil {
			return failedDelivery(slackID, fmt.Errorf("slack open dm: %w", err))
		}
		channelID = im.ID
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	threadTS := req.ThreadID
	if threadTS == "" {
		threadTS = req.ReplyToID
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	postedChannel, ts, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return failedDelivery(slackID, fmt.Errorf("slack send: %w", err))
	}
	return domain.DeliveryResult{Channel: slackID, MessageID: ts, ChannelID: postedChannel}
}

// --- Status ---

func (s *Slack) DefaultRuntime() domain.AccountRuntime {
	return domain.AccountRuntime{AccountID: domain.DefaultAccountID}
}

func (s *Slack) BuildChannelSummary(snap domain.AccountSnapshot) map[string]any {
	return baseSummary(snap)
}

func (s *Slack) BuildAccountSnapshot(in domain.SnapshotInput) domain.AccountSnapshot {
	snap := s.DescribeAccount(in.Account)
	applyRuntime(&snap, in.Runtime)
	snap.Probe = in.Probe
	snap.Audit = in.Audit
	extra := map[string]any{}
	for _, key := range []string{"bot", "team"} {
		if in.Runtime != nil && in.Runtime.Fields[key] != nil {
			extra[key] = in.Runtime.Fields[key]
		} else if in.Probe != nil && in.Probe.Details[key] != nil {
			extra[key] = in.Probe.Details[key]
		}
	}
	if len(extra) > 0 {
		snap.Extra = extra
	}
	return snap
}

func (s *Slack) ProbeAccount(ctx context.Context, account domain.ChannelAccount, timeout time.Duration) domain.ProbeResult {
	start := time.Now()
	token := strings.TrimSpace(account.Token)
	if token == "" {
		return domain.ProbeResult{Error: "missing bot token"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	auth, err := s.client(token, "").AuthTestContext(ctx)
	if err != nil {
		return domain.ProbeResult{Error: err.Error(), ElapsedMs: elapsedMs(start)}
	}
	return domain.ProbeResult{
		OK:        true,
		ElapsedMs: elapsedMs(start),
		Details: map[string]any{
			"bot":  map[string]any{"id": auth.UserID, "name": auth.User},
			"team": map[string]any{"id": auth.TeamID, "name": auth.Team},
		},
	}
}

// --- Gateway ---

// StartAccount connects Socket Mode for one account. The connection closes
// when ctx is cancelled.
func (s *Slack) StartAccount(ctx context.Context, gc domain.GatewayContext) (domain.RunningHandle, error) {
	bot := strings.TrimSpace(gc.Account.Token)
	app := config.String(gc.Account.Config, "appToken")
	if bot == "" || app == "" {
		return nil, fmt.Errorf("slack account %q: %w", gc.AccountID, ErrTokenMissing)
	}
	api := s.client(bot, app)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}

	w := &slackWorker{
		adapter:   s,
		api:       api,
		socket:    socketmode.New(api),
		gc:        gc,
		logger:    gc.Logger,
		policy:    s.ResolveDMPolicy(gc.Config, gc.Account),
		botUserID: auth.UserID,
	}
	if w.logger == nil {
		w.logger = s.logger
	}
	if gc.SetStatus != nil {
		gc.SetStatus(map[string]any{
			"bot":  map[string]any{"id": auth.UserID, "name": auth.User},
			"team": map[string]any{"id": auth.TeamID, "name": auth.Team},
		})
	}
	w.logger.Info("slack account started", "account", gc.AccountID, "bot_user_id", auth.UserID)

	return domain.StartWorker(ctx, func(ctx context.Context) error {
		go w.eventLoop(ctx)
		err := w.socket.RunContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}), nil
}

type slackWorker struct {
	adapter   *Slack
	api       *slack.Client
	socket    *socketmode.Client
	gc        domain.GatewayContext
	logger    *slog.Logger
	policy    *domain.DMPolicy
	botUserID string
	userNames map[string]string
}

func (w *slackWorker) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				w.socket.Ack(*evt.Request)
			}
			if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				w.handleMessage(ctx, ev)
			}
		}
	}
}

// resolveUserName looks up a display name once per user.
func (w *slackWorker) resolveUserName(ctx context.Context, userID string) string {
	if name, ok := w.userNames[userID]; ok {
		return name
	}
	if w.userNames == nil {
		w.userNames = map[string]string{}
	}
	info, err := w.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		w.logger.Warn("slack user lookup failed", "user_id", userID, "error", err)
		return userID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	w.userNames[userID] = name
	return name
}

func (w *slackWorker) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == w.botUserID || ev.BotID != "" || ev.SubType != "" {
		return
	}

	isDirect := ev.ChannelType == "im"
	isMention := strings.Contains(ev.Text, "<@"+w.botUserID+">")
	if isDirect {
		if !admitDirect(w.policy, ev.User) {
			w.logger.Debug("slack dm dropped by policy", "sender", ev.User, "policy", w.policy.Policy)
			return
		}
	} else if !isMention && w.adapter.ResolveRequireMention(w.gc.Config, w.gc.AccountID, ev.Channel) {
		return
	}

	text := strings.TrimSpace(slackMentionStrip.ReplaceAllString(ev.Text, ""))
	if text == "" {
		return
	}
	msg := domain.InboundMessage{
		Channel:    slackID,
		AccountID:  w.gc.AccountID,
		SenderID:   ev.User,
		SenderName: w.resolveUserName(ctx, ev.User),
		ChatID:     ev.Channel,
		ChatType:   domain.ChatChannel,
		ThreadID:   ev.ThreadTimeStamp,
		MessageID:  ev.TimeStamp,
		Text:       text,
		IsMention:  isMention,
	}
	switch {
	case isDirect:
		msg.ChatType = domain.ChatDirect
	case ev.ThreadTimeStamp != "":
		msg.ChatType = domain.ChatThread
	}
	if w.gc.OnInbound != nil {
		w.gc.OnInbound(msg)
	}
}
