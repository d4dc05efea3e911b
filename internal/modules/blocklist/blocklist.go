// Package blocklist tracks blocked sources with optional expiry. It is
// advisory: callers consult IsBlocked and decide what to deny.
package blocklist

import (
	"context"
	"fmt"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/rs/zerolog"
)

const Name = "blocklist"

// List is the block list service.
type List struct {
	store   Store
	emitter core.Emitter
	clock   core.Clock
	logger  zerolog.Logger
	metrics *core.Metrics
}

type Option func(*List)

func WithClock(c core.Clock) Option       { return func(l *List) { l.clock = c } }
func WithEmitter(e core.Emitter) Option   { return func(l *List) { l.emitter = e } }
func WithLogger(lg zerolog.Logger) Option { return func(l *List) { l.logger = lg } }
func WithMetrics(m *core.Metrics) Option  { return func(l *List) { l.metrics = m } }

func New(store Store, opts ...Option) *List {
	l := &List{
		store:   store,
		emitter: core.NopEmitter,
		clock:   core.SystemClock{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", Name).Logger()
	return l
}

// Block adds source to the list and emits account_locked. A duration <= 0
// blocks permanently. Blocking an already blocked source replaces the entry.
func (l *List) Block(ctx context.Context, source, reason string, duration time.Duration) error {
	now := l.clock.Now()
	e := Entry{Source: source, Reason: reason, BlockedAt: now}
	if duration > 0 {
		e.UnblockAt = now.Add(duration)
	} else {
		duration = 0
	}
	if err := l.store.Put(ctx, e); err != nil {
		return fmt.Errorf("blocking %s: %w", source, err)
	}

	l.logger.Info().
		Str("source", source).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("source blocked")
	l.emitter.Emit(core.NewSecurityEvent(
		core.EventAccountLocked,
		core.SeverityHigh,
		core.Origin{SourceAddress: source},
		now,
		core.BlockDetails(reason, duration),
	))
	return nil
}

// IsBlocked reports whether source is currently blocked. An expired entry
// that has not been swept yet reads as not blocked. Store failures read as
// not blocked.
func (l *List) IsBlocked(ctx context.Context, source string) bool {
	e, ok, err := l.store.Get(ctx, source)
	if err != nil {
		l.logger.Error().Err(err).Str("source", source).Msg("block store unavailable")
		return false
	}
	blocked := ok && !e.Expired(l.clock.Now())
	l.metrics.Decision(Name, !blocked)
	return blocked
}

// Unblock removes source and reports whether it was present.
func (l *List) Unblock(ctx context.Context, source string) (bool, error) {
	removed, err := l.store.Delete(ctx, source)
	if err != nil {
		return false, fmt.Errorf("unblocking %s: %w", source, err)
	}
	if removed {
		l.logger.Info().Str("source", source).Msg("source unblocked")
	}
	return removed, nil
}

// Entries returns the active blocks.
func (l *List) Entries(ctx context.Context) ([]Entry, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	active := all[:0]
	for _, e := range all {
		if !e.Expired(now) {
			active = append(active, e)
		}
	}
	return active, nil
}

func (l *List) Name() string { return Name }

// Sweep removes lapsed temporary blocks.
func (l *List) Sweep(now time.Time) int { return l.store.Sweep(now) }
