package core

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewAlertFromEvent(t *testing.T) {
	e := NewSecurityEvent(EventSQLInjectionAttempt, SeverityCritical,
		Origin{ActorID: "u7", SourceAddress: "198.51.100.4"}, time.Now(),
		SQLInjectionDetails("1; DROP TABLE users", "sql_keyword"))

	a := NewAlertFromEvent(e)
	if a.ID == "" || a.ID == e.ID {
		t.Errorf("alert ID = %q, want a fresh ID", a.ID)
	}
	if a.EventID != e.ID {
		t.Errorf("EventID = %q, want %q", a.EventID, e.ID)
	}
	if a.Kind != "security" {
		t.Errorf("Kind = %q, want security", a.Kind)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("Severity = %v, want critical", a.Severity)
	}
	if a.Title != "Security event: sql_injection_attempt" {
		t.Errorf("Title = %q", a.Title)
	}
	if !strings.Contains(a.Description, "DROP TABLE") {
		t.Errorf("Description = %q, want details JSON", a.Description)
	}
}

func TestLogAlerter_WritesAlert(t *testing.T) {
	var buf bytes.Buffer
	alerter := NewLogAlerter(zerolog.New(&buf))

	e := NewSecurityEvent(EventCSRFDetected, SeverityHigh, Origin{}, time.Now(), nil)
	if err := alerter.Alert(context.Background(), NewAlertFromEvent(e)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "SECURITY ALERT") || !strings.Contains(out, e.ID) {
		t.Errorf("log output = %s", out)
	}
}
