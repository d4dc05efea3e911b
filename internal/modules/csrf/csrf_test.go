package csrf

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type captureEmitter struct {
	mu     sync.Mutex
	events []*core.SecurityEvent
}

func (c *captureEmitter) Emit(e *core.SecurityEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestVault(t *testing.T, capacity int) (*Vault, *MemoryStore, *core.ManualClock, *captureEmitter) {
	t.Helper()
	store, err := NewMemoryStore(capacity)
	if err != nil {
		t.Fatal(err)
	}
	clock := core.NewManualClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	emitter := &captureEmitter{}
	return New(store, time.Hour, WithClock(clock), WithEmitter(emitter)), store, clock, emitter
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, Record, time.Duration) error { return nil }
func (brokenStore) Delete(context.Context, string) error                    { return nil }
func (brokenStore) Sweep(time.Time) int                                     { return 0 }
func (brokenStore) Get(context.Context, string) (Record, bool, error) {
	return Record{}, false, errors.New("timeout")
}

// ─── Issue / Validate ────────────────────────────────────────────────────────

func TestIssue_TokenFormat(t *testing.T) {
	v, _, _, _ := newTestVault(t, 10)
	token, err := v.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}
	if strings.Trim(token, "0123456789abcdef") != "" {
		t.Errorf("token %q is not lowercase hex", token)
	}
	other, _ := v.Issue(context.Background(), "u1")
	if other == token {
		t.Error("two issued tokens should differ")
	}
}

func TestValidate_Lifecycle(t *testing.T) {
	v, _, clock, emitter := newTestVault(t, 10)
	ctx := context.Background()

	token, err := v.Issue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Validate(ctx, token, "u1") {
		t.Error("fresh token should validate for its owner")
	}
	if !v.Validate(ctx, token, "u1") {
		t.Error("validation should not consume the token")
	}
	if v.Validate(ctx, token, "u2") {
		t.Error("token should not validate for another owner")
	}
	if emitter.count() != 0 {
		t.Errorf("owner mismatch should not emit, got %d events", emitter.count())
	}

	clock.Advance(time.Hour)
	if !v.Validate(ctx, token, "u1") {
		t.Error("token should still be valid at exactly expiresAt")
	}
	clock.Advance(time.Second)
	if v.Validate(ctx, token, "u1") {
		t.Error("expired token should not validate")
	}

	// The expired record was deleted, so it now reads as unknown.
	if v.Validate(ctx, token, "u1") {
		t.Error("deleted token should not validate")
	}
	if emitter.count() != 1 {
		t.Errorf("events = %d, want 1 (unknown after delete)", emitter.count())
	}
}

func TestValidate_UnknownTokenEmitsCSRF(t *testing.T) {
	v, _, _, emitter := newTestVault(t, 10)
	forged := strings.Repeat("f", 64)

	ok := v.Check(context.Background(), forged, core.Origin{ActorID: "u9", SourceAddress: "192.0.2.44"})
	if ok {
		t.Fatal("unknown token should not validate")
	}
	if emitter.count() != 1 {
		t.Fatalf("events = %d, want 1", emitter.count())
	}
	e := emitter.events[0]
	if e.Type != core.EventCSRFDetected || e.Severity != core.SeverityHigh {
		t.Errorf("event = %s/%v, want csrf_detected/high", e.Type, e.Severity)
	}
	if e.SourceAddress != "192.0.2.44" {
		t.Errorf("SourceAddress = %q", e.SourceAddress)
	}
	if strings.Contains(e.Details.String(), forged) {
		t.Error("event details must not carry the raw token")
	}
}

func TestInvalidate(t *testing.T) {
	v, _, _, _ := newTestVault(t, 10)
	ctx := context.Background()
	token, _ := v.Issue(ctx, "u1")

	if err := v.Invalidate(ctx, token); err != nil {
		t.Fatal(err)
	}
	if v.Validate(ctx, token, "u1") {
		t.Error("invalidated token should not validate")
	}
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	v, store, _, _ := newTestVault(t, 2)
	ctx := context.Background()

	first, _ := v.Issue(ctx, "u1")
	second, _ := v.Issue(ctx, "u2")
	third, _ := v.Issue(ctx, "u3")

	if store.Len() != 2 {
		t.Errorf("Len = %d, want 2", store.Len())
	}
	if v.Validate(ctx, first, "u1") {
		t.Error("evicted token should not validate")
	}
	if !v.Validate(ctx, second, "u2") || !v.Validate(ctx, third, "u3") {
		t.Error("recent tokens should validate")
	}
}

func TestSweep(t *testing.T) {
	v, store, clock, _ := newTestVault(t, 10)
	ctx := context.Background()

	_, _ = v.Issue(ctx, "u1")
	clock.Advance(30 * time.Minute)
	_, _ = v.Issue(ctx, "u2")
	clock.Advance(45 * time.Minute)

	if n := v.Sweep(clock.Now()); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestCheck_StoreErrorRejects(t *testing.T) {
	emitter := &captureEmitter{}
	v := New(brokenStore{}, time.Hour, WithEmitter(emitter))
	if v.Validate(context.Background(), "tok", "u1") {
		t.Error("store failure should reject the token")
	}
	if emitter.count() != 0 {
		t.Error("store failure should not be reported as forgery")
	}
}

func TestValidate_ConcurrentWithSweep(t *testing.T) {
	v, _, clock, _ := newTestVault(t, 1000)
	ctx := context.Background()

	tokens := make([]string, 200)
	for i := range tokens {
		tokens[i], _ = v.Issue(ctx, "u1")
	}
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			if v.Validate(ctx, tok, "u1") {
				t.Error("expired token validated")
			}
		}(tok)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.Sweep(clock.Now())
	}()
	wg.Wait()
}

// ─── Redis ───────────────────────────────────────────────────────────────────

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("FLOWGUARD_TEST_REDIS")
	if addr == "" {
		t.Skip("FLOWGUARD_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	prefixID := uuid.NewString()
	v := New(NewRedisStore(rdb, "flowguard-test:"+prefixID+":"), time.Hour)
	ctx := context.Background()

	token, err := v.Issue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Validate(ctx, token, "u1") {
		t.Error("token should validate")
	}
	if v.Validate(ctx, token, "u2") {
		t.Error("token should not validate for another owner")
	}
	ttl, err := rdb.TTL(ctx, "flowguard-test:"+prefixID+":csrf:"+token).Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= time.Hour {
		t.Errorf("redis TTL = %v, want more than the 1h lifetime", ttl)
	}
	if err := v.Invalidate(ctx, token); err != nil {
		t.Fatal(err)
	}
	if v.Validate(ctx, token, "u1") {
		t.Error("invalidated token should not validate")
	}
}

func TestRedisTTL_OutlivesLifetime(t *testing.T) {
	cases := []struct {
		lifetime time.Duration
		want     time.Duration
	}{
		{time.Hour, time.Hour + expiryGrace},
		{time.Second, time.Second + expiryGrace},
		{0, 0},
	}
	for _, tc := range cases {
		if got := redisTTL(tc.lifetime); got != tc.want {
			t.Errorf("redisTTL(%v) = %v, want %v", tc.lifetime, got, tc.want)
		}
	}
}
