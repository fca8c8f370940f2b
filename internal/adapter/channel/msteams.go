package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

const (
	msteamsID             = "msteams"
	msteamsAppIDEnv       = "MSTEAMS_APP_ID"
	msteamsAppPasswordEnv = "MSTEAMS_APP_PASSWORD"
	msteamsTenantIDEnv    = "MSTEAMS_TENANT_ID"

	msteamsDefaultPort = 3978
	msteamsDefaultPath = "/api/messages"
	msteamsTextLimit   = 4000
	msteamsPollMax     = 12

	msteamsTokenScope = "https://api.botframework.com/.default"
)

var (
	msteamsTargetPrefix = regexp.MustCompile(`(?i)^(msteams|teams):`)
	msteamsAllowPrefix  = regexp.MustCompile(`(?i)^(msteams|user):`)
	msteamsTagged       = regexp.MustCompile(`(?i)^(conversation|user):(.*)$`)
)

var errNoConversation = errors.New("no conversation reference")

// MSTeamsOption configures an MS Teams adapter.
type MSTeamsOption func(*MSTeams)

// WithMSTeamsTokenURL overrides the client-credentials token endpoint.
func WithMSTeamsTokenURL(u string) MSTeamsOption {
	return func(t *MSTeams) { t.tokenURL = u }
}

// WithMSTeamsHTTPClient replaces the outbound HTTP client.
func WithMSTeamsHTTPClient(c *http.Client) MSTeamsOption {
	return func(t *MSTeams) { t.client = c }
}

// MSTeams is the Microsoft Teams adapter built on the Bot Framework REST
// protocol. It has a single default account.
type MSTeams struct {
	logger   *slog.Logger
	client   *http.Client
	tokenURL string

	// Conversation references learned from inbound activities, needed to
	// address outbound activities.
	refs *conversationRefs

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// NewMSTeams creates the MS Teams adapter.
func NewMSTeams(logger *slog.Logger, opts ...MSTeamsOption) *MSTeams {
	t := &MSTeams{
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		refs:   newConversationRefs(),
		tokens: map[string]cachedToken{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *MSTeams) ID() string { return msteamsID }

func (t *MSTeams) Meta() domain.ChannelMeta {
	return domain.ChannelMeta{
		ID:             msteamsID,
		Label:          "Microsoft Teams",
		SelectionLabel: "Microsoft Teams (Bot Framework)",
		DocsPath:       "/channels/msteams",
		DocsLabel:      "msteams",
		Blurb:          "Bot Framework; enterprise support.",
		Aliases:        []string{"teams"},
		Order:          60,
	}
}

func (t *MSTeams) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes: []domain.ChatType{domain.ChatDirect, domain.ChatChannel, domain.ChatThread},
		Polls:     true,
		Threads:   true,
		Media:     true,
	}
}

func (t *MSTeams) ConfigSchema() *domain.ChannelConfigSchema {
	teamChannel := objectSchema(map[string]any{"requireMention": boolSchema()})
	team := objectSchema(map[string]any{
		"requireMention": boolSchema(),
		"channels":       map[string]any{"type": "object", "additionalProperties": teamChannel},
	})
	return &domain.ChannelConfigSchema{
		Schema: objectSchema(map[string]any{
			"enabled":     boolSchema(),
			"appId":       stringSchema(),
			"appPassword": stringSchema(),
			"tenantId":    stringSchema(),
			"webhook": objectSchema(map[string]any{
				"port": map[string]any{"type": "integer", "minimum": 0, "maximum": 65535},
				"path": stringSchema(),
			}),
			"dmPolicy":       enumSchema("pairing", "allowlist", "open", "disabled"),
			"allowFrom":      allowListSchema(),
			"groupPolicy":    enumSchema("open", "allowlist", "disabled"),
			"groupAllowFrom": allowListSchema(),
			"dms":            map[string]any{"type": "object"},
			"teams":          map[string]any{"type": "object", "additionalProperties": team},
		}),
		UIHints: map[string]domain.ConfigUIHint{
			"appId":        {Label: "App ID"},
			"appPassword":  {Label: "App Password", Sensitive: true},
			"tenantId":     {Label: "Tenant ID"},
			"webhook.port": {Label: "Webhook Port", Placeholder: strconv.Itoa(msteamsDefaultPort)},
			"teams":        {Label: "Teams", Advanced: true},
		},
	}
}

// --- Config ---

type msteamsCredentials struct {
	appID, appPassword, tenantID string
	source                       string
}

func resolveMSTeamsCredentials(section map[string]any) (msteamsCredentials, bool) {
	appID, src := ResolveToken(section, "appId", domain.DefaultAccountID, msteamsAppIDEnv)
	password, pwSrc := ResolveToken(section, "appPassword", domain.DefaultAccountID, msteamsAppPasswordEnv)
	tenant, _ := ResolveToken(section, "tenantId", domain.DefaultAccountID, msteamsTenantIDEnv)
	creds := msteamsCredentials{appID: appID, appPassword: password, tenantID: tenant, source: pwSrc}
	if pwSrc == TokenSourceNone {
		creds.source = src
	}
	return creds, appID != "" && password != "" && tenant != ""
}

func (t *MSTeams) ListAccountIDs(map[string]any) []string {
	return []string{domain.DefaultAccountID}
}

func (t *MSTeams) DefaultAccountID(map[string]any) string { return domain.DefaultAccountID }

// ResolveAccount returns the single account. Token holds the app password;
// Config carries the resolved appId and tenantId.
func (t *MSTeams) ResolveAccount(cfg map[string]any, _ string) domain.ChannelAccount {
	section := Section(cfg, msteamsID)
	creds, ok := resolveMSTeamsCredentials(section)
	acfg := config.Clone(section)
	if acfg == nil {
		acfg = map[string]any{}
	}
	acfg["appId"] = creds.appID
	acfg["tenantId"] = creds.tenantID
	return domain.ChannelAccount{
		AccountID:   domain.DefaultAccountID,
		Enabled:     config.Bool(section, "enabled", true),
		Configured:  ok,
		Token:       creds.appPassword,
		TokenSource: creds.source,
		Config:      acfg,
	}
}

func (t *MSTeams) SetAccountEnabled(cfg map[string]any, _ string, enabled bool) map[string]any {
	return SetAccountEnabled(cfg, msteamsID, domain.DefaultAccountID, enabled, true)
}

// DeleteAccount removes the whole msteams section, and channels when it ends
// up empty.
func (t *MSTeams) DeleteAccount(cfg map[string]any, _ string) map[string]any {
	next := config.Clone(cfg)
	channels := config.Map(next, "channels")
	if channels == nil {
		return next
	}
	delete(channels, msteamsID)
	if len(channels) == 0 {
		delete(next, "channels")
	}
	return next
}

func (t *MSTeams) IsConfigured(_ domain.ChannelAccount, cfg map[string]any) bool {
	_, ok := resolveMSTeamsCredentials(Section(cfg, msteamsID))
	return ok
}

func (t *MSTeams) DescribeAccount(account domain.ChannelAccount) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		AccountID:  account.AccountID,
		Enabled:    account.Enabled,
		Configured: account.Configured,
	}
}

func (t *MSTeams) ResolveAllowFrom(cfg map[string]any, _ string) []string {
	allowFrom := config.StringSlice(Section(cfg, msteamsID), "allowFrom")
	if allowFrom == nil {
		return []string{}
	}
	return allowFrom
}

func (t *MSTeams) FormatAllowFrom(allowFrom []string) []string {
	return FormatAllowFrom(allowFrom)
}

// --- Security and pairing ---

func normalizeMSTeamsEntry(raw string) string {
	return stripPrefixes(msteamsAllowPrefix, raw)
}

func (t *MSTeams) ResolveDMPolicy(cfg map[string]any, _ domain.ChannelAccount) *domain.DMPolicy {
	section := Section(cfg, msteamsID)
	policy := config.String(section, "dmPolicy")
	if policy == "" {
		policy = "pairing"
	}
	return &domain.DMPolicy{
		Policy:         policy,
		AllowFrom:      t.ResolveAllowFrom(cfg, ""),
		AllowFromPath:  "channels.msteams.",
		ApproveHint:    pairingApproveHint(msteamsID),
		NormalizeEntry: normalizeMSTeamsEntry,
	}
}

func (t *MSTeams) CollectWarnings(cfg map[string]any, _ domain.ChannelAccount) []string {
	groupPolicy := config.String(Section(cfg, msteamsID), "groupPolicy")
	if groupPolicy == "" {
		groupPolicy = "allowlist"
	}
	if groupPolicy != "open" {
		return nil
	}
	return []string{`- MS Teams groups: groupPolicy="open" allows any member to trigger (mention-gated). Set channels.msteams.groupPolicy="allowlist" + channels.msteams.groupAllowFrom to restrict senders.`}
}

func (t *MSTeams) PairingIDLabel() string { return "msteamsUserId" }

func (t *MSTeams) NormalizeAllowEntry(entry string) string {
	return msteamsAllowPrefix.ReplaceAllString(entry, "")
}

func (t *MSTeams) NotifyApproval(ctx context.Context, cfg map[string]any, id string) error {
	res := t.SendText(ctx, domain.OutboundRequest{Config: cfg, To: id, Text: PairingApprovedMessage})
	if !res.OK() {
		return fmt.Errorf("%w: %s", domain.ErrDelivery, res.Error)
	}
	return nil
}

// ResolveRequireMention looks groupID up as a team channel, then as a team.
func (t *MSTeams) ResolveRequireMention(cfg map[string]any, _, groupID string) bool {
	teams := config.Map(Section(cfg, msteamsID), "teams")
	for _, teamID := range config.SortedKeys(teams) {
		team, _ := teams[teamID].(map[string]any)
		if ch := config.Map(config.Map(team, "channels"), groupID); ch != nil {
			if v, ok := ch["requireMention"].(bool); ok {
				return v
			}
			return config.Bool(team, "requireMention", true)
		}
	}
	return config.Bool(config.Map(teams, groupID), "requireMention", true)
}

// --- Messaging, directory, actions, setup ---

// NormalizeTarget strips msteams:/teams: and re-tags conversation: and user:
// targets. Anything else is returned trimmed.
func (t *MSTeams) NormalizeTarget(raw string) (string, bool) {
	s := stripPrefixes(msteamsTargetPrefix, raw)
	if s == "" {
		return "", false
	}
	if m := msteamsTagged.FindStringSubmatch(s); m != nil {
		return strings.ToLower(m[1]) + ":" + strings.TrimSpace(m[2]), true
	}
	return s, true
}

func (t *MSTeams) ListPeers(_ context.Context, q domain.DirectoryQuery) ([]domain.DirectoryEntry, error) {
	section := Section(q.Config, msteamsID)
	var raw []string
	for _, entry := range config.StringSlice(section, "allowFrom") {
		if e := strings.TrimSpace(entry); e != "" && e != "*" {
			raw = append(raw, e)
		}
	}
	raw = append(raw, config.SortedKeys(config.Map(section, "dms"))...)

	var entries []domain.DirectoryEntry
	for _, r := range raw {
		id, ok := t.NormalizeTarget(r)
		if !ok {
			continue
		}
		lowered := strings.ToLower(id)
		if !strings.HasPrefix(lowered, "user:") && !strings.HasPrefix(lowered, "conversation:") {
			id = "user:" + id
		}
		entries = append(entries, domain.DirectoryEntry{Kind: "user", ID: id})
	}
	return filterDirectory(entries, q.Query, q.Limit), nil
}

var conversationPrefix = regexp.MustCompile(`(?i)^conversation:`)

func (t *MSTeams) ListGroups(_ context.Context, q domain.DirectoryQuery) ([]domain.DirectoryEntry, error) {
	teams := config.Map(Section(q.Config, msteamsID), "teams")
	var entries []domain.DirectoryEntry
	for _, teamID := range config.SortedKeys(teams) {
		team, _ := teams[teamID].(map[string]any)
		for _, chID := range config.SortedKeys(config.Map(team, "channels")) {
			trimmed := strings.TrimSpace(chID)
			if trimmed == "" || trimmed == "*" {
				continue
			}
			id := stripPrefixes(conversationPrefix, trimmed)
			entries = append(entries, domain.DirectoryEntry{Kind: "group", ID: "conversation:" + id})
		}
	}
	return filterDirectory(entries, q.Query, q.Limit), nil
}

func (t *MSTeams) ListActions(cfg map[string]any) []string {
	section := Section(cfg, msteamsID)
	_, ok := resolveMSTeamsCredentials(section)
	if !config.Bool(section, "enabled", true) || !ok {
		return []string{}
	}
	return []string{"poll"}
}

func (t *MSTeams) OnboardingStatus(cfg map[string]any) domain.OnboardingStatus {
	_, ok := resolveMSTeamsCredentials(Section(cfg, msteamsID))
	st := domain.OnboardingStatus{Channel: msteamsID, Configured: ok}
	if ok {
		st.StatusLines = []string{"MS Teams: configured"}
		return st
	}
	st.StatusLines = []string{"MS Teams: needs app credentials"}
	st.Hint = "Register an Azure Bot and set channels.msteams.appId, appPassword and tenantId."
	return st
}

func (t *MSTeams) ResolveSetupAccountID(string) string { return domain.DefaultAccountID }

func (t *MSTeams) ValidateSetupInput(string, domain.SetupInput) string { return "" }

func (t *MSTeams) ApplyAccountConfig(cfg map[string]any, _ string, _ domain.SetupInput) map[string]any {
	return SetAccountEnabled(cfg, msteamsID, domain.DefaultAccountID, true, true)
}

// --- Outbound ---

func (t *MSTeams) OutboundInfo() domain.OutboundInfo {
	return domain.OutboundInfo{
		DeliveryMode:   domain.DeliveryDirect,
		TextChunkLimit: msteamsTextLimit,
		PollMaxOptions: msteamsPollMax,
	}
}

func (t *MSTeams) ResolveTarget(to string, _ []string, _ string) domain.TargetResult {
	to = strings.TrimSpace(to)
	if to == "" {
		return domain.TargetResult{Error: "Delivering to MS Teams requires --to <conversation:ID|user:ID>"}
	}
	return domain.TargetResult{OK: true, To: to}
}

func (t *MSTeams) SendText(ctx context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return t.sendActivity(ctx, req.Config, req.To, teamsSendActivity{
		Type:      "message",
		Text:      req.Text,
		ReplyToID: firstNonEmpty(req.ReplyToID, req.ThreadID),
	})
}

func (t *MSTeams) SendMedia(ctx context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return t.sendActivity(ctx, req.Config, req.To, teamsSendActivity{
		Type:      "message",
		Text:      withMedia(req.Text, req.MediaURL),
		ReplyToID: firstNonEmpty(req.ReplyToID, req.ThreadID),
	})
}

// SendPoll posts the poll as an Adaptive Card with a choice set.
func (t *MSTeams) SendPoll(ctx context.Context, req domain.PollRequest) domain.DeliveryResult {
	poll := req.Poll
	if len(poll.Options) > msteamsPollMax {
		return domain.DeliveryResult{Channel: msteamsID, Error: fmt.Sprintf("msteams polls support at most %d options", msteamsPollMax)}
	}
	pollID := ulid.Make().String()
	choices := make([]map[string]any, 0, len(poll.Options))
	for i, opt := range poll.Options {
		choices = append(choices, map[string]any{"title": opt, "value": strconv.Itoa(i)})
	}
	card := map[string]any{
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body": []any{
			map[string]any{"type": "TextBlock", "text": poll.Question, "wrap": true, "weight": "Bolder"},
			map[string]any{
				"type":          "Input.ChoiceSet",
				"id":            "choice",
				"style":         "expanded",
				"isMultiSelect": poll.MaxSelections > 1,
				"choices":       choices,
			},
		},
		"actions": []any{
			map[string]any{"type": "Action.Submit", "title": "Vote", "data": map[string]any{"pollId": pollID}},
		},
	}
	res := t.sendActivity(ctx, req.Config, req.To, teamsSendActivity{
		Type: "message",
		Attachments: []teamsAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content:     card,
		}},
	})
	if res.OK() {
		res.Meta = map[string]any{"pollId": pollID}
	}
	return res
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (t *MSTeams) sendActivity(ctx context.Context, cfg map[string]any, to string, activity teamsSendActivity) domain.DeliveryResult {
	acct := t.ResolveAccount(cfg, "")
	if !acct.Configured {
		return failedDelivery(msteamsID, errors.New("msteams credentials missing (appId, appPassword, tenantId)"))
	}
	ref, err := t.lookupConversation(to)
	if err != nil {
		return failedDelivery(msteamsID, err)
	}
	token, err := t.accessToken(ctx, acct)
	if err != nil {
		return failedDelivery(msteamsID, fmt.Errorf("msteams token: %w", err))
	}

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(ref.ServiceURL, "/"), url.PathEscape(ref.ConversationID))
	body, err := json.Marshal(activity)
	if err != nil {
		return failedDelivery(msteamsID, fmt.Errorf("marshal activity: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failedDelivery(msteamsID, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return failedDelivery(msteamsID, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failedDelivery(msteamsID, fmt.Errorf("msteams API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	var sent struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(respBody, &sent)
	return domain.DeliveryResult{Channel: msteamsID, MessageID: sent.ID, ConversationID: ref.ConversationID}
}

// lookupConversation resolves a target to a stored conversation reference.
func (t *MSTeams) lookupConversation(to string) (conversationRef, error) {
	target, ok := t.NormalizeTarget(to)
	if !ok {
		return conversationRef{}, fmt.Errorf("invalid msteams target %q", to)
	}
	kind, id, tagged := strings.Cut(target, ":")
	if !tagged || (kind != "user" && kind != "conversation") {
		kind, id = "conversation", target
	}
	var (
		ref   conversationRef
		found bool
	)
	if kind == "user" {
		ref, found = t.refs.byUser(id)
	} else {
		ref, found = t.refs.byConversation(id)
	}
	if !found {
		return conversationRef{}, fmt.Errorf("%w for %s:%s; the bot must receive a message there first", errNoConversation, kind, id)
	}
	return ref, nil
}

// --- Bot Framework authentication ---

func (t *MSTeams) tokenEndpoint(tenantID string) string {
	if t.tokenURL != "" {
		return t.tokenURL
	}
	return "https://login.microsoftonline.com/" + url.PathEscape(tenantID) + "/oauth2/v2.0/token"
}

// accessToken returns a cached client-credentials token, refreshing it a
// minute before expiry.
func (t *MSTeams) accessToken(ctx context.Context, acct domain.ChannelAccount) (string, error) {
	appID := config.String(acct.Config, "appId")
	t.mu.Lock()
	defer t.mu.Unlock()

	if tok, ok := t.tokens[appID]; ok && time.Now().Before(tok.expiry.Add(-60*time.Second)) {
		return tok.value, nil
	}
	tok, err := t.exchangeToken(ctx, appID, acct.Token, config.String(acct.Config, "tenantId"))
	if err != nil {
		return "", err
	}
	t.tokens[appID] = tok
	return tok.value, nil
}

func (t *MSTeams) exchangeToken(ctx context.Context, appID, secret, tenantID string) (cachedToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {appID},
		"client_secret": {secret},
		"scope":         {msteamsTokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenEndpoint(tenantID), strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return cachedToken{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, fmt.Errorf("token exchange failed %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return cachedToken{}, fmt.Errorf("parse token response: %w", err)
	}
	return cachedToken{
		value:  tokenResp.AccessToken,
		expiry: time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// --- Status ---

func (t *MSTeams) DefaultRuntime() domain.AccountRuntime {
	return domain.AccountRuntime{AccountID: domain.DefaultAccountID, Fields: map[string]any{"port": nil}}
}

func (t *MSTeams) BuildChannelSummary(snap domain.AccountSnapshot) map[string]any {
	return map[string]any{
		"configured":  snap.Configured,
		"running":     snap.Running,
		"lastStartAt": snap.LastStartAt,
		"lastStopAt":  snap.LastStopAt,
		"lastError":   snap.LastError,
		"port":        snap.Extra["port"],
		"probe":       snap.Probe,
		"lastProbeAt": snap.LastProbeAt,
	}
}

func (t *MSTeams) BuildAccountSnapshot(in domain.SnapshotInput) domain.AccountSnapshot {
	snap := t.DescribeAccount(in.Account)
	applyRuntime(&snap, in.Runtime)
	snap.Probe = in.Probe
	var port any
	if in.Runtime != nil {
		port = in.Runtime.Fields["port"]
	}
	snap.Extra = map[string]any{"port": port}
	return snap
}

// ProbeAccount checks the credentials by fetching a fresh token.
func (t *MSTeams) ProbeAccount(ctx context.Context, account domain.ChannelAccount, timeout time.Duration) domain.ProbeResult {
	start := time.Now()
	if !account.Configured {
		return domain.ProbeResult{Error: "missing credentials"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	appID := config.String(account.Config, "appId")
	if _, err := t.exchangeToken(ctx, appID, account.Token, config.String(account.Config, "tenantId")); err != nil {
		return domain.ProbeResult{Error: err.Error(), ElapsedMs: elapsedMs(start)}
	}
	return domain.ProbeResult{OK: true, ElapsedMs: elapsedMs(start), Details: map[string]any{"appId": appID}}
}

// --- Gateway ---

// StartAccount serves the Bot Framework webhook until ctx is cancelled.
func (t *MSTeams) StartAccount(ctx context.Context, gc domain.GatewayContext) (domain.RunningHandle, error) {
	if !gc.Account.Configured {
		return nil, fmt.Errorf("msteams account: %w", ErrTokenMissing)
	}
	section := Section(gc.Config, msteamsID)
	webhook := config.Map(section, "webhook")
	port := config.Int(webhook, "port", msteamsDefaultPort)
	path := config.String(webhook, "path")
	if path == "" {
		path = msteamsDefaultPath
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen :%d: %w", port, err)
	}

	logger := gc.Logger
	if logger == nil {
		logger = t.logger
	}
	w := &teamsWorker{
		adapter: t,
		gc:      gc,
		logger:  logger,
		appID:   config.String(gc.Account.Config, "appId"),
		policy:  t.ResolveDMPolicy(gc.Config, gc.Account),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, w.handleActivity)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	bound := ln.Addr().String()
	if gc.SetStatus != nil {
		gc.SetStatus(map[string]any{"port": port, "addr": bound})
	}
	logger.Info("msteams webhook started", "addr", bound, "path", path)

	return domain.StartWorker(ctx, func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.Serve(ln) }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	}), nil
}

type teamsWorker struct {
	adapter *MSTeams
	gc      domain.GatewayContext
	logger  *slog.Logger
	appID   string
	policy  *domain.DMPolicy
}

func (w *teamsWorker) handleActivity(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1*1024*1024))
	if err != nil {
		w.logger.Warn("msteams read body error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}
	var activity teamsActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		w.logger.Warn("msteams unmarshal error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}
	rw.WriteHeader(http.StatusOK)
	w.processActivity(&activity)
}

func (w *teamsWorker) processActivity(activity *teamsActivity) {
	tenant := config.String(w.gc.Account.Config, "tenantId")
	if tenant != "" && activity.Conversation.TenantID != "" && activity.Conversation.TenantID != tenant {
		w.logger.Debug("msteams activity from foreign tenant dropped", "tenant", activity.Conversation.TenantID)
		return
	}
	if activity.ServiceURL != "" && activity.Conversation.ID != "" {
		w.adapter.refs.remember(activity)
	}

	switch activity.Type {
	case "message":
		w.processMessage(activity)
	case "conversationUpdate", "installationUpdate":
		w.logger.Info("msteams conversation event", "type", activity.Type, "conversation", activity.Conversation.ID)
	default:
		w.logger.Debug("msteams ignored activity", "type", activity.Type)
	}
}

func (w *teamsWorker) processMessage(activity *teamsActivity) {
	text := strings.TrimSpace(stripTeamsHTML(activity.Text))
	if text == "" {
		return
	}
	isMention := false
	for _, e := range activity.Entities {
		if e.Type == "mention" && e.Mentioned.ID == w.appID {
			isMention = true
			break
		}
	}

	section := Section(w.gc.Config, msteamsID)
	isDirect := !activity.Conversation.IsGroup
	if isDirect {
		if !admitDirect(w.policy, activity.From.ID) {
			w.logger.Debug("msteams dm dropped by policy", "sender", activity.From.ID, "policy", w.policy.Policy)
			return
		}
	} else {
		switch config.String(section, "groupPolicy") {
		case "disabled":
			return
		case "open":
		default:
			groupAllow := config.StringSlice(section, "groupAllowFrom")
			if len(groupAllow) == 0 {
				groupAllow = config.StringSlice(section, "allowFrom")
			}
			if !allowed(groupAllow, activity.From.ID, normalizeMSTeamsEntry) {
				return
			}
		}
		if !isMention && w.adapter.ResolveRequireMention(w.gc.Config, w.gc.AccountID, activity.Conversation.ID) {
			return
		}
	}

	msg := domain.InboundMessage{
		Channel:    msteamsID,
		AccountID:  w.gc.AccountID,
		SenderID:   activity.From.ID,
		SenderName: activity.From.Name,
		ChatID:     "conversation:" + activity.Conversation.ID,
		ChatType:   domain.ChatChannel,
		ThreadID:   activity.ReplyToID,
		MessageID:  activity.ID,
		Text:       text,
		IsMention:  isMention,
	}
	if isDirect {
		msg.ChatType = domain.ChatDirect
	}
	if w.gc.OnInbound != nil {
		w.gc.OnInbound(msg)
	}
}

// --- Conversation references ---

type conversationRef struct {
	ServiceURL     string
	ConversationID string
}

type conversationRefs struct {
	mu            sync.RWMutex
	conversations map[string]conversationRef
	users         map[string]conversationRef
}

func newConversationRefs() *conversationRefs {
	return &conversationRefs{
		conversations: map[string]conversationRef{},
		users:         map[string]conversationRef{},
	}
}

// remember stores the reference of an activity's conversation. Personal
// conversations are also indexed by sender.
func (c *conversationRefs) remember(a *teamsActivity) {
	ref := conversationRef{ServiceURL: a.ServiceURL, ConversationID: a.Conversation.ID}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations[a.Conversation.ID] = ref
	if !a.Conversation.IsGroup && a.From.ID != "" {
		c.users[strings.ToLower(a.From.ID)] = ref
	}
}

func (c *conversationRefs) byConversation(id string) (conversationRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.conversations[id]
	return ref, ok
}

func (c *conversationRefs) byUser(id string) (conversationRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.users[strings.ToLower(id)]
	return ref, ok
}

// stripTeamsHTML removes HTML tags from Teams messages. Teams wraps bot
// mentions in <at>...</at> tags, so the mention text is dropped with them.
func stripTeamsHTML(s string) string {
	var b strings.Builder
	inTag := false
	inMention := false
	for i := 0; i < len(s); i++ {
		switch {
		case strings.HasPrefix(s[i:], "<at>"):
			inMention = true
			i += len("<at>") - 1
		case strings.HasPrefix(s[i:], "</at>"):
			inMention = false
			i += len("</at>") - 1
		case s[i] == '<':
			inTag = true
		case s[i] == '>':
			inTag = false
		case !inTag && !inMention:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// --- Bot Framework wire types ---

type teamsActivity struct {
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	Timestamp    string            `json:"timestamp"`
	ServiceURL   string            `json:"serviceUrl"`
	ChannelID    string            `json:"channelId"`
	Text         string            `json:"text"`
	From         teamsAccount      `json:"from"`
	Recipient    teamsAccount      `json:"recipient"`
	Conversation teamsConversation `json:"conversation"`
	ReplyToID    string            `json:"replyToId,omitempty"`
	Entities     []teamsEntity     `json:"entities,omitempty"`
	Action       string            `json:"action,omitempty"`
}

type teamsAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type teamsConversation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
	IsGroup  bool   `json:"isGroup,omitempty"`
}

type teamsEntity struct {
	Type      string       `json:"type"`
	Mentioned teamsAccount `json:"mentioned,omitempty"`
	Text      string       `json:"text,omitempty"`
}

type teamsAttachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content"`
}

type teamsSendActivity struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	ReplyToID   string            `json:"replyToId,omitempty"`
	Attachments []teamsAttachment `json:"attachments,omitempty"`
}
