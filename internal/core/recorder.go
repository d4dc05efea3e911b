package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ---------------------------------------------------------------------------
// recorder.go: best-effort delivery of security events to the audit store.
//
// Components call Emit on the request path; the event is queued and written by
// background workers so a slow or failing store never delays the guarded
// action. Appends go through a circuit breaker. Critical events are also
// handed to every alert channel, each with its own queue and worker so a
// slow channel delays neither the store nor the other channels. Every failure
// is logged and counted, never returned.
// ---------------------------------------------------------------------------

// Recorder is the Emitter backed by an EventStore.
type Recorder struct {
	store      EventStore
	publishers []EventPublisher
	alerts     []AlertChannel
	cfg        RecorderConfig
	clock      Clock
	logger     zerolog.Logger
	metrics    *Metrics
	cb         *gobreaker.CircuitBreaker

	queue  chan *SecurityEvent
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	lanes   []*alertLane
	alertWG sync.WaitGroup
}

// alertLane queues alerts for one channel.
type alertLane struct {
	channel AlertChannel
	queue   chan *Alert
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithPublishers mirrors every appended event to the given publishers.
func WithPublishers(p ...EventPublisher) RecorderOption {
	return func(r *Recorder) { r.publishers = append(r.publishers, p...) }
}

// WithAlertChannels sets the channels notified of critical events.
func WithAlertChannels(a ...AlertChannel) RecorderOption {
	return func(r *Recorder) { r.alerts = append(r.alerts, a...) }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock sets the clock used for query windows.
func WithClock(c Clock) RecorderOption {
	return func(r *Recorder) { r.clock = c }
}

// NewRecorder starts a Recorder with cfg.Workers background writers.
func NewRecorder(store EventStore, cfg RecorderConfig, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 2 * time.Minute
	}
	if cfg.AlertQueueSize <= 0 {
		cfg.AlertQueueSize = 256
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerPause <= 0 {
		cfg.BreakerPause = 30 * time.Second
	}

	r := &Recorder{
		store:  store,
		cfg:    cfg,
		clock:  SystemClock{},
		logger: logger.With().Str("component", "recorder").Logger(),
		queue:  make(chan *SecurityEvent, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}

	threshold := uint32(cfg.BreakerThreshold)
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "EventStore",
		MaxRequests: 1,
		Timeout:     cfg.BreakerPause,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("event store circuit breaker state changed")
		},
	})

	for _, ch := range r.alerts {
		lane := &alertLane{channel: ch, queue: make(chan *Alert, cfg.AlertQueueSize)}
		r.lanes = append(r.lanes, lane)
		r.alertWG.Add(1)
		go r.alertWorker(lane)
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Emit queues event for persistence. It never blocks: when the queue is full
// or the recorder is closed the event is dropped and logged.
func (r *Recorder) Emit(event *SecurityEvent) {
	if event == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.Events.WithLabelValues(string(event.Type), event.Severity.String()).Inc()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(event, "recorder closed")
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event, "queue full")
	}
}

func (r *Recorder) drop(event *SecurityEvent, reason string) {
	if r.metrics != nil {
		r.metrics.EventsDropped.Inc()
	}
	r.logger.Warn().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("reason", reason).
		Msg("security event dropped")
}

// Close stops accepting events and waits until queued events are written
// and queued alerts are delivered.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()

	for _, lane := range r.lanes {
		close(lane.queue)
	}
	r.alertWG.Wait()
	r.logger.Info().Msg("recorder stopped")
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for event := range r.queue {
		r.record(event)
	}
}

func (r *Recorder) record(event *SecurityEvent) {
	_, err := r.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		return nil, r.store.Append(ctx, event)
	})
	if err != nil {
		r.failure("store", err, event)
	} else {
		r.logger.Debug().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("severity", event.Severity.String()).
			Msg("security event recorded")
	}

	for _, p := range r.publishers {
		r.publish(p, event)
	}

	if event.Severity == SeverityCritical {
		alert := NewAlertFromEvent(event)
		for _, lane := range r.lanes {
			select {
			case lane.queue <- alert:
			default:
				r.failure("alert", errors.New("alert queue full"), event)
			}
		}
	}
}

func (r *Recorder) publish(p EventPublisher, event *SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := p.PublishEvent(ctx, event); err != nil {
		r.failure("publisher", err, event)
	}
}

// alertWorker delivers a lane's alerts one at a time, each under
// AlertTimeout so channels with their own retries can finish them.
func (r *Recorder) alertWorker(lane *alertLane) {
	defer r.alertWG.Done()
	for alert := range lane.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AlertTimeout)
		err := lane.channel.Alert(ctx, alert)
		cancel()
		if err != nil {
			if r.metrics != nil {
				r.metrics.SinkFailures.WithLabelValues("alert").Inc()
			}
			r.logger.Error().Err(err).
				Str("alert_id", alert.ID).
				Str("event_id", alert.EventID).
				Msg("failed to deliver admin alert")
		}
	}
}

func (r *Recorder) failure(target string, err error, event *SecurityEvent) {
	if r.metrics != nil {
		r.metrics.SinkFailures.WithLabelValues(target).Inc()
	}
	r.logger.Error().Err(err).
		Str("target", target).
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Msg("failed to deliver security event")
}

// EventsByActor returns the actor's most recent events, newest first.
func (r *Recorder) EventsByActor(ctx context.Context, actorID string, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := r.store.Query(ctx, EventQuery{ActorID: actorID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("querying events for actor: %w", err)
	}
	return events, nil
}

// Recent returns every event recorded within window.
func (r *Recorder) Recent(ctx context.Context, window time.Duration) ([]*SecurityEvent, error) {
	since := r.clock.Now().Add(-window)
	events, err := r.store.Query(ctx, EventQuery{Since: since})
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	return events, nil
}

// Stats aggregates events recorded within window (24h when window <= 0).
func (r *Recorder) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := r.clock.Now().Add(-window)
	events, err := r.store.Query(ctx, EventQuery{Since: since})
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return Summarize(events, since), nil
}

// Store returns the underlying event store.
func (r *Recorder) Store() EventStore { return r.store }
