// Package csrf issues and validates short-lived anti-forgery tokens bound to
// an owner.
package csrf

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/rs/zerolog"
)

const (
	Name        = "csrf"
	tokenBytes  = 32
	DefaultLife = time.Hour
)

// Vault issues tokens and checks them on mutating requests.
type Vault struct {
	store    Store
	lifetime time.Duration
	emitter  core.Emitter
	clock    core.Clock
	logger   zerolog.Logger
	metrics  *core.Metrics
}

type Option func(*Vault)

func WithClock(c core.Clock) Option       { return func(v *Vault) { v.clock = c } }
func WithEmitter(e core.Emitter) Option   { return func(v *Vault) { v.emitter = e } }
func WithLogger(lg zerolog.Logger) Option { return func(v *Vault) { v.logger = lg } }
func WithMetrics(m *core.Metrics) Option  { return func(v *Vault) { v.metrics = m } }

// New creates a Vault. A lifetime <= 0 uses one hour.
func New(store Store, lifetime time.Duration, opts ...Option) *Vault {
	if lifetime <= 0 {
		lifetime = DefaultLife
	}
	v := &Vault{
		store:    store,
		lifetime: lifetime,
		emitter:  core.NopEmitter,
		clock:    core.SystemClock{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With().Str("component", Name).Logger()
	return v
}

// Lifetime returns how long issued tokens stay valid.
func (v *Vault) Lifetime() time.Duration { return v.lifetime }

// Issue creates a random token for ownerID.
func (v *Vault) Issue(ctx context.Context, ownerID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(buf)

	rec := Record{OwnerID: ownerID, ExpiresAt: v.clock.Now().Add(v.lifetime)}
	if err := v.store.Put(ctx, token, rec, v.lifetime); err != nil {
		return "", err
	}
	return token, nil
}

// Validate reports whether token was issued to ownerID and has not expired.
func (v *Vault) Validate(ctx context.Context, token, ownerID string) bool {
	return v.Check(ctx, token, core.Origin{ActorID: ownerID})
}

// Check is Validate with the request origin attached to any emitted event.
// origin.ActorID is the claimed owner. An unknown token is reported as
// csrf_detected; an owner mismatch is rejected silently; an expired token is
// deleted. Validation never consumes a live token.
func (v *Vault) Check(ctx context.Context, token string, origin core.Origin) bool {
	ok := v.check(ctx, token, origin)
	v.metrics.Decision(Name, ok)
	return ok
}

func (v *Vault) check(ctx context.Context, token string, origin core.Origin) bool {
	now := v.clock.Now()

	rec, found, err := v.store.Get(ctx, token)
	if err != nil {
		v.logger.Error().Err(err).Str("actor_id", origin.ActorID).Msg("token store unavailable, rejecting token")
		return false
	}
	if !found {
		v.emitter.Emit(core.NewSecurityEvent(
			core.EventCSRFDetected,
			core.SeverityHigh,
			origin,
			now,
			core.CSRFDetails(token),
		))
		return false
	}
	if rec.OwnerID != origin.ActorID {
		return false
	}
	if now.After(rec.ExpiresAt) {
		if err := v.store.Delete(ctx, token); err != nil {
			v.logger.Warn().Err(err).Msg("failed to delete expired token")
		}
		return false
	}
	return true
}

// Invalidate removes token, e.g. on logout.
func (v *Vault) Invalidate(ctx context.Context, token string) error {
	return v.store.Delete(ctx, token)
}

func (v *Vault) Name() string { return Name }

// Sweep removes expired tokens from the store.
func (v *Vault) Sweep(now time.Time) int { return v.store.Sweep(now) }
