package core

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	eventsSubjectPrefix = "guard.events"
	alertsSubjectPrefix = "guard.alerts"
)

// EventBus mirrors recorded security events and admin alerts onto NATS
// JetStream so other services (moderation, notification) can consume them.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	published, failed, alerts, acked, naked atomic.Int64
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an embedded NATS server.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("flowguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "FLOWGUARD_EVENTS",
			Subjects:  []string{eventsSubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7,
			MaxBytes:  1024 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "FLOWGUARD_ALERTS",
			Subjects:  []string{alertsSubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if err := bus.ensureStream(sc); err != nil {
			_ = bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates the stream or, when it exists with an older config,
// updates it in place.
func (b *EventBus) ensureStream(sc *nats.StreamConfig) error {
	_, err := b.js.AddStream(sc)
	if err == nil {
		return nil
	}
	if _, updateErr := b.js.UpdateStream(sc); updateErr != nil {
		return fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
	}
	return nil
}

// PublishEvent publishes a SecurityEvent on guard.events.<type>.
func (b *EventBus) PublishEvent(ctx context.Context, event *SecurityEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", eventsSubjectPrefix, event.Type)
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.published.Add(1)

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("severity", event.Severity.String()).
		Msg("event published")
	return nil
}

// Alert publishes an admin alert on guard.alerts.<severity>.
func (b *EventBus) Alert(ctx context.Context, alert *Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", alertsSubjectPrefix, alert.Severity.String())
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}

	b.alerts.Add(1)
	return nil
}

// Subscribe creates a subscription to a subject pattern. A non-empty
// durableName makes the consumer survive restarts.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToEvents delivers every published security event to handler.
func (b *EventBus) SubscribeToEvents(durableName string, handler func(event *SecurityEvent)) error {
	return b.Subscribe(eventsSubjectPrefix+".>", durableName, func(msg *nats.Msg) {
		event, err := UnmarshalSecurityEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			b.naked.Add(1)
			return
		}
		handler(event)
		_ = msg.Ack()
		b.acked.Add(1)
	})
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of the bus counters.
func (b *EventBus) GetMetrics() map[string]int64 {
	return map[string]int64{
		"events_published": b.published.Load(),
		"events_failed":    b.failed.Load(),
		"alerts_published": b.alerts.Load(),
		"messages_acked":   b.acked.Load(),
		"messages_naked":   b.naked.Load(),
	}
}
