package channels

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"relaybot/internal/domain"
)

const defaultProbeParallelism = 4

// RuntimeReader exposes account runtimes. *Manager implements it.
type RuntimeReader interface {
	Runtime(channelID, accountID string) (domain.AccountRuntime, bool)
}

// StatusOptions controls one snapshot pass.
type StatusOptions struct {
	Probe     bool `json:"probe,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty" validate:"gte=0"`
}

// ChannelStatus is the status of one channel and its accounts.
type ChannelStatus struct {
	ID               string                   `json:"id"`
	Label            string                   `json:"label"`
	DefaultAccountID string                   `json:"defaultAccountId"`
	Summary          map[string]any           `json:"summary"`
	Accounts         []domain.AccountSnapshot `json:"accounts"`
}

// StatusReport is the result of Snapshot.
type StatusReport struct {
	Timestamp time.Time            `json:"ts"`
	Channels  []ChannelStatus      `json:"channels"`
	Issues    []domain.StatusIssue `json:"issues"`
	Warnings  []string             `json:"warnings"`
}

// StatusServiceConfig tunes a StatusService.
type StatusServiceConfig struct {
	ProbeTimeout time.Duration
	CacheTTL     time.Duration
	Parallelism  int
}

type probeEntry struct {
	result domain.ProbeResult
	at     time.Time
}

// StatusService builds channel status reports. Probe and audit results are
// cached so that plain snapshots can show the last known reachability.
type StatusService struct {
	source   Source
	runtimes RuntimeReader
	cfg      StatusServiceConfig
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewStatusService creates a StatusService. runtimes may be nil.
func NewStatusService(source Source, runtimes RuntimeReader, cfg StatusServiceConfig, logger *slog.Logger) *StatusService {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultProbeParallelism
	}
	return &StatusService{
		source:   source,
		runtimes: runtimes,
		cfg:      cfg,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:   logger.With("component", "channel_status"),
	}
}

type accountJob struct {
	plugin  domain.ChannelPlugin
	account domain.ChannelAccount
	probe   *domain.ProbeResult
	audit   *domain.AuditResult
}

// Snapshot builds a status report for cfg. With opts.Probe every enabled and
// configured account is probed (and audited when supported) in parallel,
// each call bounded by the timeout.
func (s *StatusService) Snapshot(ctx context.Context, cfg map[string]any, opts StatusOptions) StatusReport {
	timeout := s.cfg.ProbeTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	entries := slices.Clone(s.source())
	sort.SliceStable(entries, func(i, j int) bool {
		mi, mj := entries[i].Plugin.Meta(), entries[j].Plugin.Meta()
		if mi.Order != mj.Order {
			return mi.Order < mj.Order
		}
		return mi.ID < mj.ID
	})

	jobs := make([][]*accountJob, len(entries))
	for i, entry := range entries {
		p := entry.Plugin
		for _, id := range p.ListAccountIDs(cfg) {
			jobs[i] = append(jobs[i], &accountJob{plugin: p, account: p.ResolveAccount(cfg, id)})
		}
	}

	if opts.Probe {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Parallelism)
		for _, perChannel := range jobs {
			for _, job := range perChannel {
				if !job.account.Enabled || !job.plugin.IsConfigured(job.account, cfg) {
					continue
				}
				g.Go(func() error {
					s.probeJob(gctx, cfg, job, timeout)
					return nil
				})
			}
		}
		_ = g.Wait()
	}

	report := StatusReport{
		Timestamp: time.Now(),
		Channels:  make([]ChannelStatus, 0, len(entries)),
		Issues:    []domain.StatusIssue{},
		Warnings:  []string{},
	}
	seenWarning := make(map[string]bool)
	for i, entry := range entries {
		p := entry.Plugin
		cs := ChannelStatus{
			ID:               p.ID(),
			Label:            p.Meta().Label,
			DefaultAccountID: p.DefaultAccountID(cfg),
			Accounts:         make([]domain.AccountSnapshot, 0, len(jobs[i])),
		}
		var defaultSnap *domain.AccountSnapshot
		for _, job := range jobs[i] {
			snap := s.accountSnapshot(cfg, job)
			cs.Accounts = append(cs.Accounts, snap)
			if snap.AccountID == cs.DefaultAccountID {
				defaultSnap = &cs.Accounts[len(cs.Accounts)-1]
			}
			if sec, ok := p.(domain.SecurityAdapter); ok && job.account.Enabled {
				for _, w := range sec.CollectWarnings(cfg, job.account) {
					if !seenWarning[w] {
						seenWarning[w] = true
						report.Warnings = append(report.Warnings, w)
					}
				}
			}
		}
		if defaultSnap == nil && len(cs.Accounts) > 0 {
			defaultSnap = &cs.Accounts[0]
		}
		if defaultSnap != nil {
			cs.Summary = p.BuildChannelSummary(*defaultSnap)
		} else {
			cs.Summary = p.BuildChannelSummary(domain.AccountSnapshot{AccountID: cs.DefaultAccountID})
		}
		if col, ok := p.(domain.StatusIssueCollector); ok {
			report.Issues = append(report.Issues, col.CollectStatusIssues(cs.Accounts)...)
		}
		report.Channels = append(report.Channels, cs)
	}
	return report
}

func (s *StatusService) probeJob(ctx context.Context, cfg map[string]any, job *accountJob, timeout time.Duration) {
	id := job.plugin.ID()
	if prober, ok := job.plugin.(domain.Prober); ok {
		res := runBounded(ctx, timeout,
			func(ctx context.Context) domain.ProbeResult { return prober.ProbeAccount(ctx, job.account, timeout) },
			func(msg string) domain.ProbeResult { return domain.ProbeResult{Error: msg} })
		job.probe = &res
		s.cache.Set(probeKey(id, job.account.AccountID), probeEntry{result: res, at: time.Now()}, cache.DefaultExpiration)
		if !res.OK {
			s.logger.Debug("probe failed", "channel", id, "account", job.account.AccountID, "error", res.Error)
		}
	}
	if auditor, ok := job.plugin.(domain.Auditor); ok {
		res := runBounded(ctx, timeout,
			func(ctx context.Context) *domain.AuditResult {
				return auditor.AuditAccount(ctx, job.account, cfg, timeout)
			},
			func(msg string) *domain.AuditResult { return &domain.AuditResult{Error: msg} })
		job.audit = res
		if res != nil {
			s.cache.Set(auditKey(id, job.account.AccountID), res, cache.DefaultExpiration)
		}
	}
}

func (s *StatusService) accountSnapshot(cfg map[string]any, job *accountJob) domain.AccountSnapshot {
	p := job.plugin
	in := domain.SnapshotInput{Account: job.account, Config: cfg, Probe: job.probe, Audit: job.audit}

	var rt domain.AccountRuntime
	found := false
	if s.runtimes != nil {
		rt, found = s.runtimes.Runtime(p.ID(), job.account.AccountID)
	}
	if !found {
		rt = p.DefaultRuntime()
		rt.AccountID = job.account.AccountID
	}
	in.Runtime = &rt

	var probedAt *time.Time
	if v, ok := s.cache.Get(probeKey(p.ID(), job.account.AccountID)); ok {
		entry := v.(probeEntry)
		if in.Probe == nil {
			in.Probe = &entry.result
		}
		probedAt = &entry.at
	}
	if in.Audit == nil {
		if v, ok := s.cache.Get(auditKey(p.ID(), job.account.AccountID)); ok {
			in.Audit = v.(*domain.AuditResult)
		}
	}

	snap := p.BuildAccountSnapshot(in)
	if snap.LastProbeAt == nil {
		snap.LastProbeAt = probedAt
	}
	return snap
}

// Refresh probes every account of cfg so later plain snapshots show fresh
// reachability. It is run on the status refresh schedule.
func (s *StatusService) Refresh(ctx context.Context, cfg map[string]any) error {
	report := s.Snapshot(ctx, cfg, StatusOptions{Probe: true})
	s.logger.Debug("status refreshed", "channels", len(report.Channels), "issues", len(report.Issues))
	return ctx.Err()
}

// runBounded calls fn with a deadline. A panic or an expired deadline is
// turned into a failure result built by fail.
func runBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) T, fail func(string) T) T {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan T, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fail(fmt.Sprintf("panic: %v", r))
			}
		}()
		ch <- fn(ctx)
	}()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return fail(fmt.Sprintf("timed out after %s", timeout))
	}
}

func probeKey(channelID, accountID string) string { return "probe:" + channelID + ":" + accountID }
func auditKey(channelID, accountID string) string { return "audit:" + channelID + ":" + accountID }
