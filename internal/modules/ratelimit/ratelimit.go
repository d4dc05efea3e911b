// Package ratelimit throttles guarded actions with fixed-window counters
// keyed by (identifier, category).
package ratelimit

import (
	"context"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/rs/zerolog"
)

const Name = "ratelimit"

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter applies the per-category rules to a Store.
type Limiter struct {
	store   Store
	rules   map[string]core.RateLimitRule
	def     core.RateLimitRule
	emitter core.Emitter
	clock   core.Clock
	logger  zerolog.Logger
	metrics *core.Metrics
}

// Option customizes a Limiter.
type Option func(*Limiter)

func WithClock(c core.Clock) Option       { return func(l *Limiter) { l.clock = c } }
func WithEmitter(e core.Emitter) Option   { return func(l *Limiter) { l.emitter = e } }
func WithLogger(lg zerolog.Logger) Option { return func(l *Limiter) { l.logger = lg } }
func WithMetrics(m *core.Metrics) Option  { return func(l *Limiter) { l.metrics = m } }

// New creates a Limiter over store with the configured category rules and
// fallback rule.
func New(store Store, rules map[string]core.RateLimitRule, def core.RateLimitRule, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		rules:   make(map[string]core.RateLimitRule, len(rules)),
		def:     def,
		emitter: core.NopEmitter,
		clock:   core.SystemClock{},
		logger:  zerolog.Nop(),
	}
	for k, v := range rules {
		l.rules[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", Name).Logger()
	return l
}

// Rule returns the rule applied to category.
func (l *Limiter) Rule(category string) core.RateLimitRule {
	if rule, ok := l.rules[category]; ok {
		return rule
	}
	return l.def
}

// Check counts one request for identifier in category. A denied request emits
// rate_limit_exceeded. When the store is unreachable the request is allowed.
func (l *Limiter) Check(ctx context.Context, identifier, category string) Result {
	rule := l.Rule(category)
	now := l.clock.Now()

	count, resetAt, err := l.store.Increment(ctx, identifier+":"+category, rule.Window, now)
	if err != nil {
		l.logger.Error().Err(err).
			Str("identifier", identifier).
			Str("category", category).
			Msg("rate limit store unavailable, allowing request")
		return Result{Allowed: true, Remaining: rule.Max, ResetAt: now.Add(rule.Window)}
	}

	res := Result{
		Allowed:   count <= rule.Max,
		Remaining: max(0, rule.Max-count),
		ResetAt:   resetAt,
	}
	l.metrics.Decision(Name, res.Allowed)

	if !res.Allowed {
		l.emitter.Emit(core.NewSecurityEvent(
			core.EventRateLimitExceeded,
			core.SeverityMedium,
			core.Origin{ActorID: identifier, SourceAddress: identifier},
			now,
			core.RateLimitDetails(category, count, rule.Max),
		))
	}
	return res
}

func (l *Limiter) Name() string { return Name }

// Sweep drops expired windows from the store.
func (l *Limiter) Sweep(now time.Time) int { return l.store.Sweep(now) }
