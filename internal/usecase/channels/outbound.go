package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker/v2"

	"relaybot/internal/domain"
)

// SendRequest is one outbound delivery.
type SendRequest struct {
	Channel   string       `json:"channel"             validate:"required"`
	AccountID string       `json:"accountId,omitempty"`
	To        string       `json:"to"                  validate:"required"`
	Text      string       `json:"text,omitempty"`
	MediaURL  string       `json:"mediaUrl,omitempty"  validate:"omitempty,url"`
	ReplyTo   string       `json:"replyTo,omitempty"`
	ThreadID  string       `json:"threadId,omitempty"`
	Poll      *domain.Poll `json:"poll,omitempty"`
}

// SendResult reports every delivered chunk. Error is set when delivery
// stopped early or never started.
type SendResult struct {
	Channel    string                  `json:"channel"`
	AccountID  string                  `json:"accountId"`
	To         string                  `json:"to"`
	Deliveries []domain.DeliveryResult `json:"deliveries"`
	Error      string                  `json:"error,omitempty"`
}

// OK reports whether every delivery succeeded.
func (r SendResult) OK() bool { return r.Error == "" }

// BreakerConfig tunes the per-account circuit breakers.
type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	Interval    time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	return c
}

// OutboundRecorder is notified of successful deliveries. *Manager implements it.
type OutboundRecorder interface {
	RecordOutbound(channelID, accountID string)
}

// Outbound delivers messages through channel plugins. Each (channel, account)
// pair gets its own circuit breaker so that one failing platform does not
// slow down the others.
type Outbound struct {
	source   Source
	recorder OutboundRecorder
	breaker  BreakerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[accountKey]*gobreaker.CircuitBreaker[domain.DeliveryResult]
}

// NewOutbound creates an Outbound. recorder may be nil.
func NewOutbound(source Source, recorder OutboundRecorder, breaker BreakerConfig, logger *slog.Logger) *Outbound {
	return &Outbound{
		source:   source,
		recorder: recorder,
		breaker:  breaker.withDefaults(),
		logger:   logger.With("component", "outbound"),
		breakers: make(map[accountKey]*gobreaker.CircuitBreaker[domain.DeliveryResult]),
	}
}

// Send delivers req. Failures are reported in the result; the returned error
// is non-nil only for an unknown channel.
func (o *Outbound) Send(ctx context.Context, cfg map[string]any, req SendRequest) (SendResult, error) {
	entry, ok := Lookup(o.source, req.Channel)
	if !ok {
		return SendResult{}, domain.NewSubSystemError("channels", "Outbound.Send", domain.ErrChannelUnknown, req.Channel)
	}
	p := entry.Plugin
	accountID := req.AccountID
	if accountID == "" {
		accountID = p.DefaultAccountID(cfg)
	}
	res := SendResult{Channel: p.ID(), AccountID: accountID, Deliveries: []domain.DeliveryResult{}}

	to, ok := p.NormalizeTarget(req.To)
	if !ok {
		to = strings.TrimSpace(req.To)
	}
	target := p.ResolveTarget(to, p.ResolveAllowFrom(cfg, accountID), accountID)
	if !target.OK {
		res.Error = target.Error
		return res, nil
	}
	res.To = target.To

	if req.Poll != nil {
		o.sendPoll(ctx, cfg, p, req.Poll, &res)
		return res, nil
	}
	if strings.TrimSpace(req.Text) == "" && req.MediaURL == "" {
		res.Error = "text or mediaUrl required"
		return res, nil
	}

	chunks := ChunkText(req.Text, p.OutboundInfo().TextChunkLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		out := domain.OutboundRequest{
			Config:    cfg,
			AccountID: accountID,
			To:        res.To,
			Text:      chunk,
			ReplyToID: req.ReplyTo,
			ThreadID:  req.ThreadID,
		}
		d := o.deliver(ctx, p, accountID, func(ctx context.Context) domain.DeliveryResult {
			if i == 0 && req.MediaURL != "" {
				out.MediaURL = req.MediaURL
				return p.SendMedia(ctx, out)
			}
			return p.SendText(ctx, out)
		})
		res.Deliveries = append(res.Deliveries, d)
		if !d.OK() {
			res.Error = d.Error
			return res, nil
		}
	}
	o.recordOutbound(p.ID(), accountID)
	return res, nil
}

func (o *Outbound) sendPoll(ctx context.Context, cfg map[string]any, p domain.ChannelPlugin, poll *domain.Poll, res *SendResult) {
	sender, ok := p.(domain.PollSender)
	if !ok {
		res.Error = fmt.Sprintf("%s does not support polls", p.ID())
		return
	}
	if maxOptions := p.OutboundInfo().PollMaxOptions; maxOptions > 0 && len(poll.Options) > maxOptions {
		res.Error = fmt.Sprintf("poll supports at most %d options", maxOptions)
		return
	}
	d := o.deliver(ctx, p, res.AccountID, func(ctx context.Context) domain.DeliveryResult {
		return sender.SendPoll(ctx, domain.PollRequest{Config: cfg, AccountID: res.AccountID, To: res.To, Poll: *poll})
	})
	res.Deliveries = append(res.Deliveries, d)
	if !d.OK() {
		res.Error = d.Error
		return
	}
	o.recordOutbound(p.ID(), res.AccountID)
}

// deliver runs send through the breaker of (channel, account). A delivery
// result carrying an error counts as a failure, and so does a panic in send.
func (o *Outbound) deliver(ctx context.Context, p domain.ChannelPlugin, accountID string, send func(context.Context) domain.DeliveryResult) domain.DeliveryResult {
	cb := o.breakerFor(p.ID(), accountID)
	d, err := cb.Execute(func() (d domain.DeliveryResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("channel send panicked", "channel", p.ID(), "account", accountID, "panic", r)
				d = domain.DeliveryResult{Channel: p.ID(), Error: fmt.Sprintf("panic: %v", r)}
				err = fmt.Errorf("%w: %s", domain.ErrDelivery, d.Error)
			}
		}()
		d = send(ctx)
		if !d.OK() {
			return d, fmt.Errorf("%w: %s", domain.ErrDelivery, d.Error)
		}
		return d, nil
	})
	if err == nil {
		return d
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.DeliveryResult{Channel: p.ID(), Error: fmt.Sprintf("%s delivery suspended: %v", p.ID(), err)}
	}
	if d.Channel == "" {
		d.Channel = p.ID()
	}
	return d
}

func (o *Outbound) breakerFor(channelID, accountID string) *gobreaker.CircuitBreaker[domain.DeliveryResult] {
	k := accountKey{channel: channelID, account: accountID}
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[k]; ok {
		return cb
	}
	logger := o.logger
	maxFailures := uint32(o.breaker.MaxFailures)
	cb := gobreaker.NewCircuitBreaker[domain.DeliveryResult](gobreaker.Settings{
		Name:        channelID + "/" + accountID,
		MaxRequests: 1,
		Interval:    o.breaker.Interval,
		Timeout:     o.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("outbound circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	o.breakers[k] = cb
	return cb
}

func (o *Outbound) recordOutbound(channelID, accountID string) {
	if o.recorder != nil {
		o.recorder.RecordOutbound(channelID, accountID)
	}
}

// ChunkText splits text into pieces of at most limit runes. It prefers to
// break after a newline, then after a space, and otherwise cuts at the limit.
// A limit of zero or less returns text unsplit. Empty text yields no chunks.
func ChunkText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for utf8.RuneCountInString(rest) > limit {
		cut := byteOffset(rest, limit)
		window := rest[:cut]
		split := strings.LastIndexByte(window, '\n')
		if split <= 0 {
			split = strings.LastIndexByte(window, ' ')
		}
		if split <= 0 {
			split = cut
		} else {
			split++
		}
		chunk := strings.TrimRight(rest[:split], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[split:], " \n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// byteOffset returns the byte index of the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
