// Package channels hosts the registered channel plugins: it runs one worker
// per enabled account, builds status reports and delivers outbound messages.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relaybot/internal/domain"
	"relaybot/internal/plugin"
)

// Source returns the channels of the current registry.
type Source func() []plugin.ChannelEntry

// RegistrySource reads channels from the loader's active registry. The
// registry is shared, so callers get a copy they may reorder.
func RegistrySource(l *plugin.Loader) Source {
	return func() []plugin.ChannelEntry {
		reg, _ := l.Active()
		if reg == nil {
			return nil
		}
		return slices.Clone(reg.Channels)
	}
}

// Lookup finds a channel by id or alias.
func Lookup(src Source, id string) (plugin.ChannelEntry, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, e := range src() {
		if strings.EqualFold(e.Plugin.ID(), id) {
			return e, true
		}
	}
	for _, e := range src() {
		for _, alias := range e.Plugin.Meta().Aliases {
			if strings.EqualFold(alias, id) {
				return e, true
			}
		}
	}
	return plugin.ChannelEntry{}, false
}

type accountKey struct {
	channel string
	account string
}

type worker struct {
	key    accountKey
	runID  string
	cancel context.CancelFunc
	handle domain.RunningHandle
}

// Manager starts and stops channel workers. At most one worker runs per
// (channel, account) pair.
type Manager struct {
	source    Source
	logger    *slog.Logger
	onInbound func(domain.InboundMessage)

	mu       sync.Mutex
	workers  map[accountKey]*worker
	runtimes map[accountKey]*domain.AccountRuntime
}

// NewManager creates a Manager. onInbound may be nil.
func NewManager(source Source, onInbound func(domain.InboundMessage), logger *slog.Logger) *Manager {
	return &Manager{
		source:    source,
		logger:    logger.With("component", "channels"),
		onInbound: onInbound,
		workers:   make(map[accountKey]*worker),
		runtimes:  make(map[accountKey]*domain.AccountRuntime),
	}
}

// Start launches a worker for every enabled and configured account that is
// not already running. ctx bounds the lifetime of the workers. Start errors
// are recorded on the account runtime and logged; they do not stop the pass.
func (m *Manager) Start(ctx context.Context, cfg map[string]any) {
	for _, entry := range m.source() {
		p := entry.Plugin
		for _, accountID := range p.ListAccountIDs(cfg) {
			acct := p.ResolveAccount(cfg, accountID)
			if !acct.Enabled || !p.IsConfigured(acct, cfg) {
				continue
			}
			if err := m.StartAccount(ctx, cfg, entry, acct); err != nil {
				m.logger.Warn("channel start failed", "channel", p.ID(), "account", acct.AccountID, "error", err)
			}
		}
	}
}

// StartAccount launches the worker of one account.
func (m *Manager) StartAccount(ctx context.Context, cfg map[string]any, entry plugin.ChannelEntry, acct domain.ChannelAccount) error {
	p := entry.Plugin
	k := accountKey{channel: p.ID(), account: acct.AccountID}

	m.mu.Lock()
	if _, running := m.workers[k]; running {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s already running", domain.ErrConflict, k.channel, k.account)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &worker{key: k, runID: newRunID(), cancel: cancel}
	m.workers[k] = w
	rt := m.runtimeLocked(k, p)
	now := time.Now()
	rt.RunID = w.runID
	rt.Running = true
	rt.LastStartAt = &now
	rt.LastError = nil
	m.mu.Unlock()

	logger := m.logger.With("channel", k.channel, "account", k.account, "run_id", w.runID)
	gc := domain.GatewayContext{
		Config:    cfg,
		AccountID: acct.AccountID,
		Account:   acct,
		Logger:    logger,
		SetStatus: func(fields map[string]any) { m.setFields(k, w.runID, fields) },
		OnInbound: func(msg domain.InboundMessage) {
			m.touch(k, func(rt *domain.AccountRuntime, at *time.Time) { rt.LastInboundAt = at })
			if m.onInbound != nil {
				m.onInbound(msg)
			}
		},
	}

	handle, err := p.StartAccount(runCtx, gc)
	if err != nil {
		cancel()
		m.finish(k, w.runID, err)
		return fmt.Errorf("start %s/%s: %w", k.channel, k.account, err)
	}

	m.mu.Lock()
	w.handle = handle
	m.mu.Unlock()
	logger.Info("channel worker started")

	go func() {
		<-handle.Done()
		m.finish(k, w.runID, handle.Err())
		logger.Info("channel worker stopped")
	}()
	return nil
}

// runtimeLocked returns the runtime of k, creating it from the plugin's
// default runtime. Callers hold m.mu.
func (m *Manager) runtimeLocked(k accountKey, p domain.ChannelPlugin) *domain.AccountRuntime {
	rt, ok := m.runtimes[k]
	if ok {
		return rt
	}
	def := p.DefaultRuntime()
	def.AccountID = k.account
	fields := make(map[string]any, len(def.Fields))
	for key, v := range def.Fields {
		fields[key] = v
	}
	def.Fields = fields
	m.runtimes[k] = &def
	return &def
}

// finish records the end of run runID. It is a no-op for runs that already
// finished or were superseded by a newer start.
func (m *Manager) finish(k accountKey, runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[k]
	if !ok || w.runID != runID {
		return
	}
	delete(m.workers, k)
	rt, ok := m.runtimes[k]
	if !ok {
		return
	}
	now := time.Now()
	rt.Running = false
	rt.LastStopAt = &now
	if err != nil {
		msg := err.Error()
		rt.LastError = &msg
	}
}

func (m *Manager) setFields(k accountKey, runID string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[k]
	if !ok || rt.RunID != runID {
		return
	}
	if rt.Fields == nil {
		rt.Fields = make(map[string]any, len(fields))
	}
	for key, v := range fields {
		rt.Fields[key] = v
	}
}

func (m *Manager) touch(k accountKey, set func(rt *domain.AccountRuntime, at *time.Time)) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[k]; ok {
		set(rt, &now)
	}
}

// RecordOutbound stamps the last outbound time of an account.
func (m *Manager) RecordOutbound(channelID, accountID string) {
	m.touch(accountKey{channel: channelID, account: accountID}, func(rt *domain.AccountRuntime, at *time.Time) {
		rt.LastOutboundAt = at
	})
}

// Stop cancels one worker and waits for it to finish or for ctx to expire.
func (m *Manager) Stop(ctx context.Context, channelID, accountID string) error {
	k := accountKey{channel: channelID, account: accountID}
	m.mu.Lock()
	w, ok := m.workers[k]
	m.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("account", "Manager.Stop", domain.ErrNotFound,
			fmt.Sprintf("no running worker for %s/%s", channelID, accountID))
	}
	return m.stopWorker(ctx, w)
}

func (m *Manager) stopWorker(ctx context.Context, w *worker) error {
	w.cancel()
	m.mu.Lock()
	handle := w.handle
	m.mu.Unlock()
	if handle == nil {
		return nil
	}
	select {
	case <-handle.Done():
	case <-ctx.Done():
		select {
		case <-handle.Done():
		default:
			return fmt.Errorf("waiting for worker %s/%s (%s): %w", w.key.channel, w.key.account, w.runID, domain.ErrTimeout)
		}
	}
	m.finish(w.key, w.runID, handle.Err())
	return nil
}

// StopAll cancels every worker, then waits for them. Workers still running
// when ctx expires stay registered and are reported in the error.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	var errs []error
	for _, w := range workers {
		if err := m.stopWorker(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restart stops all workers and starts them again from cfg. Accounts whose
// worker did not stop in time keep it and are skipped; every other account
// is started and the stop error is returned.
func (m *Manager) Restart(ctx, runCtx context.Context, cfg map[string]any) error {
	err := m.StopAll(ctx)
	m.Start(runCtx, cfg)
	return err
}

// Runtime returns a copy of the runtime of one account.
func (m *Manager) Runtime(channelID, accountID string) (domain.AccountRuntime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[accountKey{channel: channelID, account: accountID}]
	if !ok {
		return domain.AccountRuntime{}, false
	}
	return copyRuntime(rt), true
}

// Running lists the running (channel, account) pairs as "channel/account".
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workers))
	for k := range m.workers {
		out = append(out, k.channel+"/"+k.account)
	}
	sort.Strings(out)
	return out
}

func copyRuntime(rt *domain.AccountRuntime) domain.AccountRuntime {
	out := *rt
	if rt.Fields != nil {
		out.Fields = make(map[string]any, len(rt.Fields))
		for k, v := range rt.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func newRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
