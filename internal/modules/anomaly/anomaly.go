// Package anomaly scores an actor's recent security history and flags
// accounts that look compromised or abusive.
package anomaly

import (
	"context"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/rs/zerolog"
)

const (
	Name          = "anomaly"
	DefaultWindow = 60 * time.Minute

	failedLoginLimit   = 3
	failedLoginWeight  = 30
	distinctSrcLimit   = 5
	distinctSrcWeight  = 25
	eventVolumeLimit   = 50
	eventVolumeWeight  = 20
	suspicionThreshold = 50
)

// Assessment is the score breakdown for one actor.
type Assessment struct {
	ActorID             string    `json:"actor_id"`
	FailedLoginCount    int       `json:"failed_login_count"`
	DistinctSourceCount int       `json:"distinct_source_count"`
	TotalEventCount     int       `json:"total_event_count"`
	Score               int       `json:"score"`
	Suspicious          bool      `json:"suspicious"`
	WindowStart         time.Time `json:"window_start"`
}

// Detector reads history from an EventStore.
type Detector struct {
	store   core.EventStore
	window  time.Duration
	emitter core.Emitter
	clock   core.Clock
	logger  zerolog.Logger
	metrics *core.Metrics
}

type Option func(*Detector)

func WithClock(c core.Clock) Option       { return func(d *Detector) { d.clock = c } }
func WithEmitter(e core.Emitter) Option   { return func(d *Detector) { d.emitter = e } }
func WithLogger(lg zerolog.Logger) Option { return func(d *Detector) { d.logger = lg } }
func WithMetrics(m *core.Metrics) Option  { return func(d *Detector) { d.metrics = m } }

// New creates a Detector looking back window (one hour when <= 0).
func New(store core.EventStore, window time.Duration, opts ...Option) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Detector{
		store:   store,
		window:  window,
		emitter: core.NopEmitter,
		clock:   core.SystemClock{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", Name).Logger()
	return d
}

// Score computes the assessment of events without side effects.
func Score(actorID string, events []*core.SecurityEvent, windowStart time.Time) Assessment {
	a := Assessment{ActorID: actorID, TotalEventCount: len(events), WindowStart: windowStart}
	sources := make(map[string]struct{})
	for _, e := range events {
		if e.Type == core.EventFailedLogin {
			a.FailedLoginCount++
		}
		sources[e.SourceAddress] = struct{}{}
	}
	a.DistinctSourceCount = len(sources)

	if a.FailedLoginCount > failedLoginLimit {
		a.Score += failedLoginWeight
	}
	if a.DistinctSourceCount > distinctSrcLimit {
		a.Score += distinctSrcWeight
	}
	if a.TotalEventCount > eventVolumeLimit {
		a.Score += eventVolumeWeight
	}
	a.Suspicious = a.Score > suspicionThreshold
	return a
}

// Assess loads the actor's events inside the window and scores them.
func (d *Detector) Assess(ctx context.Context, actorID string) (Assessment, error) {
	since := d.clock.Now().Add(-d.window)
	events, err := d.store.Query(ctx, core.EventQuery{ActorID: actorID, Since: since})
	if err != nil {
		return Assessment{}, err
	}
	return Score(actorID, events, since), nil
}

// Evaluate reports whether actorID looks suspicious while performing
// activityType. A positive verdict emits suspicious_activity carrying the
// score and attrs. When history cannot be read the actor is not flagged.
func (d *Detector) Evaluate(ctx context.Context, actorID, activityType string, attrs map[string]string) bool {
	a, err := d.Assess(ctx, actorID)
	if err != nil {
		d.logger.Error().Err(err).Str("actor_id", actorID).Msg("could not read event history")
		return false
	}
	d.metrics.Decision(Name, !a.Suspicious)
	if !a.Suspicious {
		return false
	}

	d.logger.Warn().
		Str("actor_id", actorID).
		Str("activity_type", activityType).
		Int("score", a.Score).
		Msg("suspicious activity")
	d.emitter.Emit(core.NewSecurityEvent(
		core.EventSuspiciousActivity,
		core.SeverityHigh,
		core.Origin{ActorID: actorID, SourceAddress: attrs["source_address"], ClientSignature: attrs["client_signature"]},
		d.clock.Now(),
		core.SuspiciousActivityDetails(activityType, a.Score, attrs),
	))
	return true
}
