package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a security event or alert.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a severity name (any case) into a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityLow, false
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParseSeverity(str)
	if !ok {
		return fmt.Errorf("unknown severity %q", str)
	}
	*s = parsed
	return nil
}

// EventType is the kind of a security event.
type EventType string

const (
	EventLoginAttempt         EventType = "login_attempt"
	EventFailedLogin          EventType = "failed_login"
	EventPasswordChange       EventType = "password_change"
	EventSuspiciousActivity   EventType = "suspicious_activity"
	EventRateLimitExceeded    EventType = "rate_limit_exceeded"
	EventCSRFDetected         EventType = "csrf_detected"
	EventXSSAttempt           EventType = "xss_attempt"
	EventSQLInjectionAttempt  EventType = "sql_injection_attempt"
	EventUnauthorizedAccess   EventType = "unauthorized_access"
	EventDataBreachAttempt    EventType = "data_breach_attempt"
	EventAccountLocked        EventType = "account_locked"
	EventSessionHijackAttempt EventType = "session_hijack_attempt"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventLoginAttempt, EventFailedLogin, EventPasswordChange, EventSuspiciousActivity,
	EventRateLimitExceeded, EventCSRFDetected, EventXSSAttempt, EventSQLInjectionAttempt,
	EventUnauthorizedAccess, EventDataBreachAttempt, EventAccountLocked, EventSessionHijackAttempt,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

const (
	UnknownSource    = "unknown"
	UnknownSignature = "N/A"
)

// Origin identifies who triggered a guarded action.
type Origin struct {
	ActorID         string `json:"actor_id,omitempty"`
	SourceAddress   string `json:"source_address,omitempty"`
	ClientSignature string `json:"client_signature,omitempty"`
}

// SecurityEvent is an immutable fact recorded by a guard component.
type SecurityEvent struct {
	ID              string    `json:"id"`
	Type            EventType `json:"event_type"`
	Severity        Severity  `json:"severity"`
	ActorID         string    `json:"actor_id,omitempty"`
	SourceAddress   string    `json:"source_address"`
	ClientSignature string    `json:"client_signature"`
	Details         Details   `json:"details,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewSecurityEvent creates a SecurityEvent with a generated ID. Missing origin
// fields are filled with the unknown placeholders.
func NewSecurityEvent(eventType EventType, severity Severity, origin Origin, at time.Time, details Details) *SecurityEvent {
	source := origin.SourceAddress
	if source == "" {
		source = UnknownSource
	}
	sig := origin.ClientSignature
	if sig == "" {
		sig = UnknownSignature
	}
	return &SecurityEvent{
		ID:              uuid.New().String(),
		Type:            eventType,
		Severity:        severity,
		ActorID:         origin.ActorID,
		SourceAddress:   source,
		ClientSignature: sig,
		Details:         details,
		Timestamp:       at.UTC(),
	}
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
