package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func event(actor string, typ core.EventType, at time.Time) *core.SecurityEvent {
	return core.NewSecurityEvent(typ, core.SeverityMedium,
		core.Origin{ActorID: actor, SourceAddress: "203.0.113.1"}, at,
		core.RateLimitDetails("login", 6, 5))
}

// exerciseStore runs the EventStore contract against s.
func exerciseStore(t *testing.T, s core.EventStore) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, event("alice", core.EventFailedLogin, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = s.Append(ctx, event("bob", core.EventRateLimitExceeded, base.Add(10*time.Minute)))

	all, err := s.Query(ctx, core.EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Fatalf("Query all = %d, want 6", len(all))
	}
	if all[0].ActorID != "bob" {
		t.Errorf("first = %q, want bob (newest first)", all[0].ActorID)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("results not ordered newest first at %d", i)
		}
	}

	alice, _ := s.Query(ctx, core.EventQuery{ActorID: "alice", Limit: 2})
	if len(alice) != 2 {
		t.Fatalf("alice limit 2 = %d", len(alice))
	}
	if !alice[0].Timestamp.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("alice[0] = %v, want newest", alice[0].Timestamp)
	}

	since, _ := s.Query(ctx, core.EventQuery{Since: base.Add(3 * time.Minute)})
	if len(since) != 3 {
		t.Errorf("since = %d, want 3", len(since))
	}

	got := all[0]
	if got.Type != core.EventRateLimitExceeded || got.Severity != core.SeverityMedium {
		t.Errorf("event = %s/%v", got.Type, got.Severity)
	}
	if got.Details.Int("max_allowed") != 5 {
		t.Errorf("details = %v", got.Details)
	}
}

// ─── MemoryStore ─────────────────────────────────────────────────────────────

func TestMemoryStore_Contract(t *testing.T) {
	exerciseStore(t, NewMemoryStore(100))
}

func TestMemoryStore_Bounded(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.Append(ctx, event("a", core.EventFailedLogin, base.Add(time.Duration(i)*time.Second)))
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	got, _ := s.Query(ctx, core.EventQuery{})
	if !got[2].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest kept = %v, want the third event", got[2].Timestamp)
	}
}

func TestMemoryStore_RingWrapsRepeatedly(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		_ = s.Append(ctx, event("a", core.EventFailedLogin, base.Add(time.Duration(i)*time.Second)))
	}
	if s.Len() != 4 {
		t.Fatalf("Len = %d, want 4", s.Len())
	}
	got, _ := s.Query(ctx, core.EventQuery{})
	for i, e := range got {
		want := base.Add(time.Duration(10-i) * time.Second)
		if !e.Timestamp.Equal(want) {
			t.Errorf("got[%d] = %v, want %v", i, e.Timestamp, want)
		}
	}
}

func TestMemoryStore_Alerts(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	first := core.NewAlertFromEvent(event("a", core.EventSQLInjectionAttempt, base))
	second := core.NewAlertFromEvent(event("a", core.EventSQLInjectionAttempt, base.Add(time.Second)))
	_ = s.Alert(ctx, first)
	_ = s.Alert(ctx, second)

	got := s.Alerts(1)
	if len(got) != 1 || got[0].ID != second.ID {
		t.Errorf("Alerts(1) = %+v, want newest", got)
	}
	if len(s.Alerts(0)) != 2 {
		t.Error("Alerts(0) should return all")
	}
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	s := NewMemoryStore(10000)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = s.Append(ctx, event("x", core.EventFailedLogin, time.Now()))
			}
		}()
	}
	wg.Wait()
	if s.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", s.Len())
	}
}

// ─── SQLiteStore ─────────────────────────────────────────────────────────────

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	exerciseStore(t, newSQLite(t))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	e := event("carol", core.EventCSRFDetected, base)
	if err := s.Append(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Query(context.Background(), core.EventQuery{ActorID: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("got %+v, want the stored event", got)
	}
	if got[0].ClientSignature != core.UnknownSignature {
		t.Errorf("ClientSignature = %q", got[0].ClientSignature)
	}
}

func TestSQLiteStore_DuplicateID(t *testing.T) {
	s := newSQLite(t)
	e := event("d", core.EventFailedLogin, base)
	_ = s.Append(context.Background(), e)
	if err := s.Append(context.Background(), e); err == nil {
		t.Error("appending the same event twice should fail")
	}
}

func TestSQLiteStore_Alerts(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	a := core.NewAlertFromEvent(core.NewSecurityEvent(core.EventSQLInjectionAttempt, core.SeverityCritical,
		core.Origin{}, base, core.SQLInjectionDetails("1 OR 1=1", "sql_keyword")))
	if err := s.Alert(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := s.Alerts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	if got[0].Severity != core.SeverityCritical || got[0].Title != a.Title {
		t.Errorf("alert = %+v", got[0])
	}
}

// ─── Kafka ───────────────────────────────────────────────────────────────────

func TestEventMessage(t *testing.T) {
	e := event("erin", core.EventRateLimitExceeded, base)
	msg, err := eventMessage(e)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "erin" {
		t.Errorf("Key = %q, want actor", msg.Key)
	}
	decoded, err := core.UnmarshalSecurityEvent(msg.Value)
	if err != nil || decoded.ID != e.ID {
		t.Errorf("Value does not decode to the event: %v", err)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "rate_limit_exceeded" {
		t.Errorf("Headers = %+v", msg.Headers)
	}

	anon := core.NewSecurityEvent(core.EventSQLInjectionAttempt, core.SeverityCritical,
		core.Origin{SourceAddress: "198.51.100.4"}, base, nil)
	msg, _ = eventMessage(anon)
	if string(msg.Key) != "198.51.100.4" {
		t.Errorf("anonymous Key = %q, want source address", msg.Key)
	}
}

func TestKafkaPublisher(t *testing.T) {
	broker := os.Getenv("FLOWGUARD_TEST_KAFKA")
	if broker == "" {
		t.Skip("FLOWGUARD_TEST_KAFKA not set")
	}
	topic := "flowguard-test-" + uuid.NewString()
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		t.Fatal(err)
	}
	err = conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	conn.Close()
	if err != nil {
		t.Fatal(err)
	}

	p := NewKafkaPublisher(core.KafkaConfig{Enabled: true, Brokers: []string{broker}, Topic: topic})
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := event("frank", core.EventFailedLogin, base)
	if err := p.PublishEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: []string{broker}, Topic: topic})
	defer r.Close()
	msg, err := r.ReadMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := core.UnmarshalSecurityEvent(msg.Value)
	if got == nil || got.ID != e.ID {
		t.Errorf("read %s, want %s", msg.Value, e.ID)
	}
}

// ─── WebhookAlerter ──────────────────────────────────────────────────────────

func fastWebhook(retries int) core.WebhookConfig {
	return core.WebhookConfig{
		MaxRetries:     retries,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Timeout:        2 * time.Second,
	}
}

func testAlert() *core.Alert {
	return core.NewAlertFromEvent(core.NewSecurityEvent(core.EventSQLInjectionAttempt, core.SeverityCritical,
		core.Origin{}, base, core.SQLInjectionDetails("x'--", "quote")))
}

func TestWebhookAlerter_Delivers(t *testing.T) {
	var got core.Alert
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWebhookAlerter([]string{server.URL}, fastWebhook(3), zerolog.Nop())
	a := testAlert()
	if err := w.Alert(context.Background(), a); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("received = %d, want 1", received.Load())
	}
	if got.ID != a.ID || !strings.Contains(got.Title, "sql_injection_attempt") {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookAlerter_RetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := NewWebhookAlerter([]string{server.URL}, fastWebhook(3), zerolog.Nop())
	if err := w.Alert(context.Background(), testAlert()); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if len(w.DeadLetters(0)) != 0 {
		t.Error("successful retry should not dead-letter")
	}
}

func TestWebhookAlerter_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	w := NewWebhookAlerter([]string{server.URL}, fastWebhook(3), zerolog.Nop())
	if err := w.Alert(context.Background(), testAlert()); err == nil {
		t.Error("expected an error for HTTP 400")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
	dl := w.DeadLetters(0)
	if len(dl) != 1 || dl[0].Attempts != 1 || !strings.Contains(dl[0].LastError, "400") {
		t.Errorf("dead letters = %+v", dl)
	}
}

func TestWebhookAlerter_ExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	w := NewWebhookAlerter([]string{server.URL}, fastWebhook(2), zerolog.Nop())
	if err := w.Alert(context.Background(), testAlert()); err == nil {
		t.Error("expected an error after exhausting retries")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if dl := w.DeadLetters(0); len(dl) != 1 || dl[0].Attempts != 3 {
		t.Errorf("dead letters = %+v", dl)
	}
}

func TestWebhookAlerter_OneBadURLDoesNotBlockOthers(t *testing.T) {
	var good atomic.Int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		good.Add(1)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	w := NewWebhookAlerter([]string{bad.URL, ok.URL}, fastWebhook(1), zerolog.Nop())
	if err := w.Alert(context.Background(), testAlert()); err == nil {
		t.Error("expected the failing URL to surface an error")
	}
	if good.Load() != 1 {
		t.Errorf("good URL received %d, want 1", good.Load())
	}
}

func TestWebhookAlerter_RetriesOutliveRecorderWriteTimeout(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	w := NewWebhookAlerter([]string{server.URL}, fastWebhook(3), zerolog.Nop())
	rec := core.NewRecorder(NewMemoryStore(100), core.RecorderConfig{WriteTimeout: time.Millisecond},
		zerolog.Nop(), core.WithAlertChannels(w))
	rec.Emit(core.NewSecurityEvent(core.EventSQLInjectionAttempt, core.SeverityCritical,
		core.Origin{}, time.Now(), core.SQLInjectionDetails("x'--", "quote")))
	rec.Close()

	if attempts.Load() != 4 {
		t.Errorf("attempts = %d, want 4", attempts.Load())
	}
	dl := w.DeadLetters(0)
	if len(dl) != 1 || dl[0].Attempts != 4 {
		t.Errorf("dead letters = %+v", dl)
	}
}
