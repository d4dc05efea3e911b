package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Alert is the admin notification raised for a critical security event.
type Alert struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	Kind        string    `json:"kind"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAlertFromEvent builds the admin alert for event.
func NewAlertFromEvent(event *SecurityEvent) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		EventID:     event.ID,
		Kind:        "security",
		Severity:    event.Severity,
		Title:       fmt.Sprintf("Security event: %s", event.Type),
		Description: event.Details.String(),
		Timestamp:   event.Timestamp,
	}
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertChannel delivers admin alerts.
type AlertChannel interface {
	Alert(ctx context.Context, alert *Alert) error
}

// LogAlerter writes alerts to the log. It is the console channel enabled by
// alerts.enable_console.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerts").Logger()}
}

func (l *LogAlerter) Alert(_ context.Context, alert *Alert) error {
	l.logger.Warn().
		Str("alert_id", alert.ID).
		Str("event_id", alert.EventID).
		Str("severity", alert.Severity.String()).
		Str("title", alert.Title).
		Str("description", alert.Description).
		Msg("SECURITY ALERT")
	return nil
}
