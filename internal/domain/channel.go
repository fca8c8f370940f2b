package domain

import (
	"context"
	"log/slog"
	"time"
)

// DefaultAccountID is the account id used by single-account channels and by the
// top-level fields of a multi-account channel section.
const DefaultAccountID = "default"

// ChatType is a conversation kind a channel can take part in.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
)

// ChannelMeta is static display metadata for a channel.
type ChannelMeta struct {
	ID             string   `json:"id"`
	Label          string   `json:"label"`
	SelectionLabel string   `json:"selectionLabel,omitempty"`
	DocsPath       string   `json:"docsPath,omitempty"`
	DocsLabel      string   `json:"docsLabel,omitempty"`
	Blurb          string   `json:"blurb,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	Order          int      `json:"order,omitempty"`
}

// ChannelCapabilities is the static feature set a channel declares.
type ChannelCapabilities struct {
	ChatTypes      []ChatType `json:"chatTypes"`
	Polls          bool       `json:"polls,omitempty"`
	Reactions      bool       `json:"reactions,omitempty"`
	Threads        bool       `json:"threads,omitempty"`
	Media          bool       `json:"media,omitempty"`
	NativeCommands bool       `json:"nativeCommands,omitempty"`
}

// ChannelConfigSchema is the JSON schema of a channel's config section plus UI hints.
type ChannelConfigSchema struct {
	Schema  map[string]any          `json:"schema"`
	UIHints map[string]ConfigUIHint `json:"uiHints,omitempty"`
}

// ChannelAccount is one credentialed identity resolved from config.
type ChannelAccount struct {
	AccountID   string         `json:"accountId"`
	Name        string         `json:"name,omitempty"`
	Enabled     bool           `json:"enabled"`
	Configured  bool           `json:"configured"`
	Token       string         `json:"-"`
	TokenSource string         `json:"tokenSource,omitempty"`
	Config      map[string]any `json:"-"`
}

// AccountRuntime is the live state of one channel worker.
type AccountRuntime struct {
	AccountID      string         `json:"accountId"`
	Running        bool           `json:"running"`
	RunID          string         `json:"runId,omitempty"`
	LastStartAt    *time.Time     `json:"lastStartAt"`
	LastStopAt     *time.Time     `json:"lastStopAt"`
	LastError      *string        `json:"lastError"`
	LastInboundAt  *time.Time     `json:"lastInboundAt,omitempty"`
	LastOutboundAt *time.Time     `json:"lastOutboundAt,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// ProbeResult is the structured outcome of a live reachability check.
type ProbeResult struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	ElapsedMs int64          `json:"elapsedMs"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditResult is the structured outcome of a permissions audit.
type AuditResult struct {
	OK                 bool           `json:"ok"`
	Error              string         `json:"error,omitempty"`
	CheckedChannels    int            `json:"checkedChannels"`
	UnresolvedChannels int            `json:"unresolvedChannels"`
	ElapsedMs          int64          `json:"elapsedMs"`
	Details            map[string]any `json:"details,omitempty"`
}

// AccountSnapshot is the status view of one account.
type AccountSnapshot struct {
	AccountID      string         `json:"accountId"`
	Name           string         `json:"name,omitempty"`
	Enabled        bool           `json:"enabled"`
	Configured     bool           `json:"configured"`
	TokenSource    string         `json:"tokenSource,omitempty"`
	Running        bool           `json:"running"`
	LastStartAt    *time.Time     `json:"lastStartAt"`
	LastStopAt     *time.Time     `json:"lastStopAt"`
	LastError      *string        `json:"lastError"`
	LastInboundAt  *time.Time     `json:"lastInboundAt"`
	LastOutboundAt *time.Time     `json:"lastOutboundAt"`
	LastProbeAt    *time.Time     `json:"lastProbeAt,omitempty"`
	Probe          *ProbeResult   `json:"probe,omitempty"`
	Audit          *AuditResult   `json:"audit,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// SnapshotInput is what the host hands BuildAccountSnapshot.
type SnapshotInput struct {
	Account ChannelAccount
	Config  map[string]any
	Runtime *AccountRuntime
	Probe   *ProbeResult
	Audit   *AuditResult
}

// StatusIssue is an operator-facing problem found in account snapshots.
type StatusIssue struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Fix       string `json:"fix,omitempty"`
}

// TargetResult is the outcome of ResolveTarget.
type TargetResult struct {
	OK    bool   `json:"ok"`
	To    string `json:"to,omitempty"`
	Error string `json:"error,omitempty"`
}

// DeliveryMode says who performs delivery for a channel.
type DeliveryMode string

const (
	DeliveryDirect  DeliveryMode = "direct"
	DeliveryGateway DeliveryMode = "gateway"
)

// OutboundInfo is the static delivery profile of a channel.
type OutboundInfo struct {
	DeliveryMode   DeliveryMode `json:"deliveryMode"`
	TextChunkLimit int          `json:"textChunkLimit"`
	PollMaxOptions int          `json:"pollMaxOptions,omitempty"`
}

// OutboundRequest is one text or media delivery.
type OutboundRequest struct {
	Config    map[string]any
	AccountID string
	To        string
	Text      string
	MediaURL  string
	ReplyToID string
	ThreadID  string
}

// Poll is a channel-agnostic poll.
type Poll struct {
	Question      string   `json:"question"     validate:"required"`
	Options       []string `json:"options"      validate:"min=2"`
	MaxSelections int      `json:"maxSelections,omitempty"`
	DurationHours int      `json:"durationHours,omitempty"`
}

// PollRequest is one poll delivery.
type PollRequest struct {
	Config    map[string]any
	AccountID string
	To        string
	Poll      Poll
}

// DeliveryResult is the tagged result of a send. Ordinary delivery failures are
// reported through Error, never as a Go error.
type DeliveryResult struct {
	Channel        string         `json:"channel"`
	MessageID      string         `json:"messageId,omitempty"`
	ChannelID      string         `json:"channelId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// OK reports whether the delivery succeeded.
func (r DeliveryResult) OK() bool { return r.Error == "" }

// GatewayContext is handed to StartAccount. Cancellation of the context passed
// alongside it is terminal for the worker.
type GatewayContext struct {
	Config    map[string]any
	AccountID string
	Account   ChannelAccount
	Logger    *slog.Logger
	SetStatus func(fields map[string]any)
	// OnInbound is called by workers for every accepted inbound message.
	OnInbound func(msg InboundMessage)
}

// InboundMessage is a message received by a channel worker.
type InboundMessage struct {
	Channel    string   `json:"channel"`
	AccountID  string   `json:"accountId"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName,omitempty"`
	ChatID     string   `json:"chatId"`
	ChatType   ChatType `json:"chatType"`
	ThreadID   string   `json:"threadId,omitempty"`
	MessageID  string   `json:"messageId,omitempty"`
	Text       string   `json:"text"`
	IsMention  bool     `json:"isMention,omitempty"`
}

// RunningHandle is a started channel worker.
type RunningHandle interface {
	// Done is closed once the worker has fully stopped.
	Done() <-chan struct{}
	// Err returns the error the worker stopped with, if any.
	Err() error
}

// --- Required channel groups ---

// ChannelIdentity is static identity information.
type ChannelIdentity interface {
	ID() string
	Meta() ChannelMeta
	Capabilities() ChannelCapabilities
	ConfigSchema() *ChannelConfigSchema
}

// ChannelConfigAdapter resolves accounts. All methods are pure functions of the
// supplied config tree.
type ChannelConfigAdapter interface {
	ListAccountIDs(cfg map[string]any) []string
	ResolveAccount(cfg map[string]any, accountID string) ChannelAccount
	DefaultAccountID(cfg map[string]any) string
	SetAccountEnabled(cfg map[string]any, accountID string, enabled bool) map[string]any
	DeleteAccount(cfg map[string]any, accountID string) map[string]any
	IsConfigured(account ChannelAccount, cfg map[string]any) bool
	DescribeAccount(account ChannelAccount) AccountSnapshot
	ResolveAllowFrom(cfg map[string]any, accountID string) []string
	FormatAllowFrom(allowFrom []string) []string
}

// ChannelMessaging canonicalizes destinations.
type ChannelMessaging interface {
	// NormalizeTarget returns false for empty or unparseable input.
	NormalizeTarget(raw string) (string, bool)
}

// ChannelOutbound delivers messages.
type ChannelOutbound interface {
	OutboundInfo() OutboundInfo
	ResolveTarget(to string, allowFrom []string, accountID string) TargetResult
	SendText(ctx context.Context, req OutboundRequest) DeliveryResult
	SendMedia(ctx context.Context, req OutboundRequest) DeliveryResult
}

// ChannelStatusAdapter builds status views.
type ChannelStatusAdapter interface {
	DefaultRuntime() AccountRuntime
	BuildChannelSummary(snapshot AccountSnapshot) map[string]any
	BuildAccountSnapshot(in SnapshotInput) AccountSnapshot
}

// ChannelGateway starts the long-lived worker for one account.
type ChannelGateway interface {
	StartAccount(ctx context.Context, gc GatewayContext) (RunningHandle, error)
}

// ChannelPlugin is the full contract every chat-platform adapter implements.
// Optional groups are separate interfaces detected once with DetectChannelFeatures.
type ChannelPlugin interface {
	ChannelIdentity
	ChannelConfigAdapter
	ChannelMessaging
	ChannelOutbound
	ChannelStatusAdapter
	ChannelGateway
}

// --- Optional channel groups ---

// PollSender delivers native polls.
type PollSender interface {
	SendPoll(ctx context.Context, req PollRequest) DeliveryResult
}

// Prober performs live reachability checks bounded by timeout.
type Prober interface {
	ProbeAccount(ctx context.Context, account ChannelAccount, timeout time.Duration) ProbeResult
}

// Auditor checks permissions for an account. A nil result means there is
// nothing to audit.
type Auditor interface {
	AuditAccount(ctx context.Context, account ChannelAccount, cfg map[string]any, timeout time.Duration) *AuditResult
}

// StatusIssueCollector derives operator-facing issues from snapshots.
type StatusIssueCollector interface {
	CollectStatusIssues(accounts []AccountSnapshot) []StatusIssue
}

// DMPolicy is the resolved direct-message policy of an account.
type DMPolicy struct {
	Policy         string              `json:"policy"`
	AllowFrom      []string            `json:"allowFrom"`
	AllowFromPath  string              `json:"allowFromPath"`
	ApproveHint    string              `json:"approveHint,omitempty"`
	NormalizeEntry func(string) string `json:"-"`
}

// SecurityAdapter resolves DM policy and security warnings.
type SecurityAdapter interface {
	ResolveDMPolicy(cfg map[string]any, account ChannelAccount) *DMPolicy
	CollectWarnings(cfg map[string]any, account ChannelAccount) []string
}

// PairingAdapter supports approving unknown senders.
type PairingAdapter interface {
	PairingIDLabel() string
	NormalizeAllowEntry(entry string) string
	NotifyApproval(ctx context.Context, cfg map[string]any, id string) error
}

// GroupAdapter decides group gating.
type GroupAdapter interface {
	ResolveRequireMention(cfg map[string]any, accountID, groupID string) bool
}

// MentionAdapter lists patterns stripped from inbound text.
type MentionAdapter interface {
	MentionStripPatterns() []string
}

// ReplyToMode controls threaded replies.
type ReplyToMode string

const (
	ReplyToOff   ReplyToMode = "off"
	ReplyToFirst ReplyToMode = "first"
	ReplyToAll   ReplyToMode = "all"
)

// ThreadingAdapter resolves reply threading.
type ThreadingAdapter interface {
	ResolveReplyToMode(cfg map[string]any) ReplyToMode
}

// OnboardingStatus summarizes setup progress for a channel.
type OnboardingStatus struct {
	Channel     string   `json:"channel"`
	Configured  bool     `json:"configured"`
	StatusLines []string `json:"statusLines"`
	Hint        string   `json:"hint,omitempty"`
}

// OnboardingAdapter reports onboarding status.
type OnboardingAdapter interface {
	OnboardingStatus(cfg map[string]any) OnboardingStatus
}

// DirectoryEntry is a peer or group known to a channel.
type DirectoryEntry struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DirectoryQuery filters directory listings.
type DirectoryQuery struct {
	Config    map[string]any
	AccountID string
	Query     string
	Limit     int
}

// DirectoryAdapter lists known peers and groups.
type DirectoryAdapter interface {
	ListPeers(ctx context.Context, q DirectoryQuery) ([]DirectoryEntry, error)
	ListGroups(ctx context.Context, q DirectoryQuery) ([]DirectoryEntry, error)
}

// ActionsAdapter lists message actions available for the current config.
type ActionsAdapter interface {
	ListActions(cfg map[string]any) []string
}

// SetupInput is operator input for provisioning an account.
type SetupInput struct {
	Name   string `json:"name,omitempty"`
	Token  string `json:"token,omitempty"`
	UseEnv bool   `json:"useEnv,omitempty"`
}

// SetupAdapter provisions accounts from operator input.
type SetupAdapter interface {
	ResolveSetupAccountID(accountID string) string
	// ValidateSetupInput returns a human-readable problem or "".
	ValidateSetupInput(accountID string, in SetupInput) string
	ApplyAccountConfig(cfg map[string]any, accountID string, in SetupInput) map[string]any
}

// ChannelFeatures records which optional groups a channel implements.
type ChannelFeatures struct {
	Polls        bool `json:"polls"`
	Probe        bool `json:"probe"`
	Audit        bool `json:"audit"`
	StatusIssues bool `json:"statusIssues"`
	Security     bool `json:"security"`
	Pairing      bool `json:"pairing"`
	Groups       bool `json:"groups"`
	Mentions     bool `json:"mentions"`
	Threading    bool `json:"threading"`
	Onboarding   bool `json:"onboarding"`
	Directory    bool `json:"directory"`
	Actions      bool `json:"actions"`
	Setup        bool `json:"setup"`
}

// DetectChannelFeatures checks the optional groups of p once.
func DetectChannelFeatures(p ChannelPlugin) ChannelFeatures {
	var f ChannelFeatures
	_, f.Polls = p.(PollSender)
	_, f.Probe = p.(Prober)
	_, f.Audit = p.(Auditor)
	_, f.StatusIssues = p.(StatusIssueCollector)
	_, f.Security = p.(SecurityAdapter)
	_, f.Pairing = p.(PairingAdapter)
	_, f.Groups = p.(GroupAdapter)
	_, f.Mentions = p.(MentionAdapter)
	_, f.Threading = p.(ThreadingAdapter)
	_, f.Onboarding = p.(OnboardingAdapter)
	_, f.Directory = p.(DirectoryAdapter)
	_, f.Actions = p.(ActionsAdapter)
	_, f.Setup = p.(SetupAdapter)
	return f
}

// ChannelDock is the lightweight shared view of a channel used by code paths
// that must not depend on the full adapter.
type ChannelDock struct {
	ID             string              `json:"id"`
	Capabilities   ChannelCapabilities `json:"capabilities"`
	TextChunkLimit int                 `json:"textChunkLimit,omitempty"`
}
