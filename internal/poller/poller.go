// Package poller keeps the presence signal (the unread-count badge) fresh
// from a background process the host may kill and restart at any time.
package poller

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/bus"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
)

// DefaultPeriod is the alarm period.
const DefaultPeriod = time.Minute

// AlarmName is the name the poller's schedule is stored under.
const AlarmName = "presence"

// TokenSource hands out a usable token without ever prompting.
type TokenSource interface {
	GetValidToken(ctx context.Context) string
}

// UnreadSource fetches the presence signal from the backend.
type UnreadSource interface {
	UnreadCount(ctx context.Context) (int, error)
}

// Badge is the coarse visible indicator. An empty text clears it.
type Badge interface {
	SetBadge(ctx context.Context, text string) error
}

// BadgeText renders n for a small badge.
func BadgeText(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 99:
		return "99+"
	default:
		return strconv.Itoa(n)
	}
}

// Poller refreshes the badge on start, on every alarm and whenever the
// token changes.
type Poller struct {
	tokens TokenSource
	unread UnreadSource
	store  *storage.Store
	badge  Badge
	alarm  Alarm
	bus    *bus.Bus
	period time.Duration

	wake   chan struct{}
	pollMu sync.Mutex
}

// Option configures a Poller.
type Option func(*Poller)

// WithPeriod overrides DefaultPeriod.
func WithPeriod(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithBus makes the poller react to token changes and refresh signals.
func WithBus(b *bus.Bus) Option {
	return func(p *Poller) {
		p.bus = b
	}
}

// New creates a Poller.
func New(tokens TokenSource, unread UnreadSource, store *storage.Store, badge Badge, alarm Alarm, opts ...Option) *Poller {
	p := &Poller{
		tokens: tokens,
		unread: unread,
		store:  store,
		badge:  badge,
		alarm:  alarm,
		period: DefaultPeriod,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wake requests a poll as soon as possible. Requests made while one is
// pending coalesce.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls once immediately, then on every wake-up until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.alarm.Arm(ctx, p.period); err != nil {
		return fmt.Errorf("arming alarm: %w", err)
	}
	defer p.alarm.Stop()

	if p.bus != nil {
		wake := func(context.Context, bus.Message) { p.Wake() }
		defer p.bus.Subscribe(bus.TopicTokenChanged, wake)()
		defer p.bus.Subscribe(bus.TopicRefreshSignal, wake)()
	}

	log.LogInfoWithFields("poller", "Presence poller started", map[string]any{
		"period": p.period.String(),
	})

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.LogInfoWithFields("poller", "Presence poller stopped", nil)
			return nil
		case <-p.alarm.C():
			p.PollOnce(ctx)
		case <-p.wake:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce refreshes the presence signal. It never prompts and never
// returns an error: any failure clears the badge.
func (p *Poller) PollOnce(ctx context.Context) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	tok := p.tokens.GetValidToken(ctx)
	if tok == "" {
		log.LogDebugWithFields("poller", "No token, clearing badge", nil)
		p.clear(ctx)
		return
	}

	n, err := p.unread.UnreadCount(ctx)
	if err != nil {
		log.LogDebugWithFields("poller", "Presence call failed, clearing badge", map[string]any{
			"error": err.Error(),
		})
		p.clear(ctx)
		return
	}

	if err := p.store.SaveUnreadCount(ctx, n); err != nil {
		log.LogWarnWithFields("poller", "Failed to cache unread count", map[string]any{
			"error": err.Error(),
		})
	}
	p.setBadge(ctx, BadgeText(n))
}

func (p *Poller) clear(ctx context.Context) {
	if err := p.store.ClearUnreadCount(ctx); err != nil {
		log.LogWarnWithFields("poller", "Failed to clear cached unread count", map[string]any{
			"error": err.Error(),
		})
	}
	p.setBadge(ctx, "")
}

func (p *Poller) setBadge(ctx context.Context, text string) {
	if err := p.badge.SetBadge(ctx, text); err != nil {
		log.LogWarnWithFields("poller", "Failed to update badge", map[string]any{
			"error": err.Error(),
		})
	}
}

// WriterBadge prints badge changes to a writer, for terminals.
type WriterBadge struct {
	mu   sync.Mutex
	W    io.Writer
	last *string
}

func (b *WriterBadge) SetBadge(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil && *b.last == text {
		return nil
	}
	b.last = &text

	if text == "" {
		_, err := fmt.Fprintln(b.W, "unread: -")
		return err
	}
	_, err := fmt.Fprintf(b.W, "unread: %s\n", text)
	return err
}
