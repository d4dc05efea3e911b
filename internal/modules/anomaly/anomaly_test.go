package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/sink"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*core.SecurityEvent
}

func (c *captureEmitter) Emit(e *core.SecurityEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Append(context.Context, *core.SecurityEvent) error { return errors.New("down") }
func (failingStore) Query(context.Context, core.EventQuery) ([]*core.SecurityEvent, error) {
	return nil, errors.New("down")
}

var start = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s core.EventStore, actor string, typ core.EventType, source string, at time.Time) {
	t.Helper()
	e := core.NewSecurityEvent(typ, core.SeverityLow, core.Origin{ActorID: actor, SourceAddress: source}, at, nil)
	if err := s.Append(context.Background(), e); err != nil {
		t.Fatal(err)
	}
}

func newTestDetector() (*Detector, *sink.MemoryStore, *core.ManualClock, *captureEmitter) {
	store := sink.NewMemoryStore(0)
	clock := core.NewManualClock(start)
	emitter := &captureEmitter{}
	return New(store, time.Hour, WithClock(clock), WithEmitter(emitter)), store, clock, emitter
}

// ─── Score ───────────────────────────────────────────────────────────────────

func TestScore_Thresholds(t *testing.T) {
	mk := func(n int, typ core.EventType, distinctSources bool) []*core.SecurityEvent {
		out := make([]*core.SecurityEvent, 0, n)
		for i := 0; i < n; i++ {
			src := "10.0.0.1"
			if distinctSources {
				src = fmt.Sprintf("10.0.0.%d", i+1)
			}
			out = append(out, core.NewSecurityEvent(typ, core.SeverityLow, core.Origin{ActorID: "a", SourceAddress: src}, start, nil))
		}
		return out
	}

	tests := []struct {
		name       string
		events     []*core.SecurityEvent
		score      int
		suspicious bool
	}{
		{"empty", nil, 0, false},
		{"three failed logins", mk(3, core.EventFailedLogin, false), 0, false},
		{"four failed logins", mk(4, core.EventFailedLogin, false), 30, false},
		{"six sources", mk(6, core.EventLoginAttempt, true), 25, false},
		{"four failures four sources", mk(4, core.EventFailedLogin, true), 30, false},
		{"fifty one failures one source", mk(51, core.EventFailedLogin, false), 50, false},
		{"fifty one failures many sources", mk(51, core.EventFailedLogin, true), 75, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Score("a", tt.events, start)
			if a.Score != tt.score {
				t.Errorf("Score = %d, want %d", a.Score, tt.score)
			}
			if a.Suspicious != tt.suspicious {
				t.Errorf("Suspicious = %v, want %v", a.Suspicious, tt.suspicious)
			}
		})
	}
}

// ─── Evaluate ────────────────────────────────────────────────────────────────

func TestEvaluate_FailedLoginsFromManySources(t *testing.T) {
	d, store, clock, emitter := newTestDetector()
	for i := 0; i < 4; i++ {
		seed(t, store, "mallory", core.EventFailedLogin, fmt.Sprintf("198.51.100.%d", i+1), clock.Now().Add(-time.Duration(i+1)*time.Minute))
	}
	seed(t, store, "mallory", core.EventLoginAttempt, "198.51.100.5", clock.Now().Add(-10*time.Minute))
	seed(t, store, "mallory", core.EventLoginAttempt, "198.51.100.6", clock.Now().Add(-20*time.Minute))

	a, err := d.Assess(context.Background(), "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if a.Score != 55 || a.FailedLoginCount != 4 || a.DistinctSourceCount != 6 {
		t.Errorf("assessment = %+v, want score 55", a)
	}

	attrs := map[string]string{"source_address": "198.51.100.9", "client_signature": "curl/8"}
	if !d.Evaluate(context.Background(), "mallory", "password_change", attrs) {
		t.Fatal("Evaluate = false, want true")
	}
	if len(emitter.events) != 1 {
		t.Fatalf("events = %d, want 1", len(emitter.events))
	}
	e := emitter.events[0]
	if e.Type != core.EventSuspiciousActivity || e.Severity != core.SeverityHigh {
		t.Errorf("event = %s/%v", e.Type, e.Severity)
	}
	if e.ActorID != "mallory" || e.SourceAddress != "198.51.100.9" || e.ClientSignature != "curl/8" {
		t.Errorf("origin = %s/%s/%s", e.ActorID, e.SourceAddress, e.ClientSignature)
	}
	if e.Details.Int("suspicion_score") != 55 {
		t.Errorf("suspicion_score = %d", e.Details.Int("suspicion_score"))
	}
	if v, _ := e.Details.Get("activity_type"); v != "password_change" {
		t.Errorf("activity_type = %q", v)
	}
}

func TestEvaluate_NoHistory(t *testing.T) {
	d, _, _, emitter := newTestDetector()
	if d.Evaluate(context.Background(), "nobody", "login", nil) {
		t.Error("empty history should not be suspicious")
	}
	if len(emitter.events) != 0 {
		t.Error("no event expected")
	}
}

func TestEvaluate_IgnoresEventsOutsideWindow(t *testing.T) {
	d, store, clock, _ := newTestDetector()
	for i := 0; i < 4; i++ {
		seed(t, store, "old", core.EventFailedLogin, fmt.Sprintf("203.0.113.%d", i), clock.Now().Add(-2*time.Hour))
	}
	for i := 4; i < 6; i++ {
		seed(t, store, "old", core.EventLoginAttempt, fmt.Sprintf("203.0.113.%d", i), clock.Now().Add(-90*time.Minute))
	}
	if d.Evaluate(context.Background(), "old", "login", nil) {
		t.Error("events older than the window should not count")
	}
	a, _ := d.Assess(context.Background(), "old")
	if a.TotalEventCount != 0 {
		t.Errorf("TotalEventCount = %d, want 0", a.TotalEventCount)
	}
}

func TestEvaluate_OtherActorsIgnored(t *testing.T) {
	d, store, clock, _ := newTestDetector()
	for i := 0; i < 10; i++ {
		seed(t, store, "someone-else", core.EventFailedLogin, fmt.Sprintf("192.0.2.%d", i), clock.Now())
	}
	if d.Evaluate(context.Background(), "innocent", "login", nil) {
		t.Error("another actor's history should not count")
	}
}

func TestEvaluate_StoreError(t *testing.T) {
	emitter := &captureEmitter{}
	d := New(failingStore{}, 0, WithEmitter(emitter))
	if d.Evaluate(context.Background(), "x", "login", nil) {
		t.Error("store failure should read as not suspicious")
	}
	if len(emitter.events) != 0 {
		t.Error("no event expected on store failure")
	}
	if _, err := d.Assess(context.Background(), "x"); err == nil {
		t.Error("Assess should surface the store error")
	}
}
