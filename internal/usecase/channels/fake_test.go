package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAccount struct {
	enabled    bool
	configured bool
}

// fakeChannel is an in-memory channel plugin. Its accounts are fixed at
// construction and ignore the config tree.
type fakeChannel struct {
	id         string
	aliases    []string
	order      int
	accounts   map[string]fakeAccount
	chunkLimit int
	pollMax    int

	startErr error
	exitErr  error         // returned by the worker after cancellation
	hang     chan struct{} // when set, the worker ignores cancellation until closed

	probe   func(ctx context.Context) domain.ProbeResult
	issue   string
	warning string

	mu        sync.Mutex
	started   int
	sent      []domain.OutboundRequest
	polls     []domain.PollRequest
	failSends int    // number of sends still to fail
	panicMsg  string // when set, sends panic with it
	inbound   func(domain.InboundMessage)
	lastGC    domain.GatewayContext
}

func newFakeChannel(id string, accounts map[string]fakeAccount) *fakeChannel {
	return &fakeChannel{id: id, accounts: accounts, chunkLimit: 10, pollMax: 3}
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Meta() domain.ChannelMeta {
	return domain.ChannelMeta{ID: f.id, Label: "Fake " + f.id, Aliases: f.aliases, Order: f.order}
}

func (f *fakeChannel) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{ChatTypes: []domain.ChatType{domain.ChatDirect}, Polls: true}
}

func (f *fakeChannel) ConfigSchema() *domain.ChannelConfigSchema { return nil }

func (f *fakeChannel) ListAccountIDs(map[string]any) []string {
	ids := make([]string, 0, len(f.accounts))
	for id := range f.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeChannel) ResolveAccount(_ map[string]any, accountID string) domain.ChannelAccount {
	a := f.accounts[accountID]
	return domain.ChannelAccount{AccountID: accountID, Enabled: a.enabled, Configured: a.configured}
}

func (f *fakeChannel) DefaultAccountID(map[string]any) string { return "default" }

func (f *fakeChannel) SetAccountEnabled(cfg map[string]any, _ string, _ bool) map[string]any {
	return cfg
}

func (f *fakeChannel) DeleteAccount(cfg map[string]any, _ string) map[string]any { return cfg }

func (f *fakeChannel) IsConfigured(a domain.ChannelAccount, _ map[string]any) bool {
	return a.Configured
}

func (f *fakeChannel) DescribeAccount(a domain.ChannelAccount) domain.AccountSnapshot {
	return domain.AccountSnapshot{AccountID: a.AccountID, Enabled: a.Enabled, Configured: a.Configured}
}

func (f *fakeChannel) ResolveAllowFrom(map[string]any, string) []string { return nil }
func (f *fakeChannel) FormatAllowFrom(in []string) []string            { return in }

func (f *fakeChannel) NormalizeTarget(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	return "fake:" + raw, true
}

func (f *fakeChannel) OutboundInfo() domain.OutboundInfo {
	return domain.OutboundInfo{DeliveryMode: domain.DeliveryDirect, TextChunkLimit: f.chunkLimit, PollMaxOptions: f.pollMax}
}

func (f *fakeChannel) ResolveTarget(to string, _ []string, _ string) domain.TargetResult {
	if to == "" {
		return domain.TargetResult{Error: "fake requires --to"}
	}
	return domain.TargetResult{OK: true, To: to}
}

func (f *fakeChannel) send(req domain.OutboundRequest) domain.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.failSends > 0 {
		f.failSends--
		return domain.DeliveryResult{Channel: f.id, Error: "platform unavailable"}
	}
	f.sent = append(f.sent, req)
	return domain.DeliveryResult{Channel: f.id, MessageID: "m" + string(rune('0'+len(f.sent)))}
}

func (f *fakeChannel) SendText(_ context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return f.send(req)
}

func (f *fakeChannel) SendMedia(_ context.Context, req domain.OutboundRequest) domain.DeliveryResult {
	return f.send(req)
}

func (f *fakeChannel) SendPoll(_ context.Context, req domain.PollRequest) domain.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, req)
	return domain.DeliveryResult{Channel: f.id, MessageID: "poll"}
}

func (f *fakeChannel) DefaultRuntime() domain.AccountRuntime {
	return domain.AccountRuntime{AccountID: "default", Fields: map[string]any{"mode": "fake"}}
}

func (f *fakeChannel) BuildChannelSummary(s domain.AccountSnapshot) map[string]any {
	return map[string]any{"configured": s.Configured, "running": s.Running}
}

func (f *fakeChannel) BuildAccountSnapshot(in domain.SnapshotInput) domain.AccountSnapshot {
	s := f.DescribeAccount(in.Account)
	if in.Runtime != nil {
		s.Running = in.Runtime.Running
		s.LastStartAt = in.Runtime.LastStartAt
		s.LastError = in.Runtime.LastError
		s.LastInboundAt = in.Runtime.LastInboundAt
		s.LastOutboundAt = in.Runtime.LastOutboundAt
	}
	s.Probe = in.Probe
	s.Audit = in.Audit
	return s
}

func (f *fakeChannel) StartAccount(ctx context.Context, gc domain.GatewayContext) (domain.RunningHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.started++
	f.lastGC = gc
	f.mu.Unlock()
	gc.SetStatus(map[string]any{"connected": true})
	hang := f.hang
	return domain.StartWorker(ctx, func(ctx context.Context) error {
		if hang != nil {
			<-hang
			return f.exitErr
		}
		<-ctx.Done()
		return f.exitErr
	}), nil
}

func (f *fakeChannel) ProbeAccount(ctx context.Context, _ domain.ChannelAccount, _ time.Duration) domain.ProbeResult {
	if f.probe != nil {
		return f.probe(ctx)
	}
	return domain.ProbeResult{OK: true}
}

func (f *fakeChannel) CollectStatusIssues(accounts []domain.AccountSnapshot) []domain.StatusIssue {
	if f.issue == "" {
		return nil
	}
	var out []domain.StatusIssue
	for _, a := range accounts {
		if a.Probe != nil && !a.Probe.OK {
			out = append(out, domain.StatusIssue{Channel: f.id, AccountID: a.AccountID, Kind: "runtime", Message: f.issue})
		}
	}
	return out
}

func (f *fakeChannel) ResolveDMPolicy(map[string]any, domain.ChannelAccount) *domain.DMPolicy {
	return &domain.DMPolicy{Policy: "pairing"}
}

func (f *fakeChannel) CollectWarnings(map[string]any, domain.ChannelAccount) []string {
	if f.warning == "" {
		return nil
	}
	return []string{f.warning}
}

func (f *fakeChannel) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeChannel) sentRequests() []domain.OutboundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OutboundRequest(nil), f.sent...)
}

func (f *fakeChannel) gatewayContext() domain.GatewayContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGC
}

func sourceOf(channels ...*fakeChannel) Source {
	return func() []plugin.ChannelEntry {
		out := make([]plugin.ChannelEntry, 0, len(channels))
		for _, c := range channels {
			out = append(out, plugin.ChannelEntry{PluginID: c.id, Plugin: c, Features: domain.DetectChannelFeatures(c)})
		}
		return out
	}
}

var errWorkerCrashed = errors.New("worker crashed")
