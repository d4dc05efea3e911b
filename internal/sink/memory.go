// Package sink holds the audit event stores, stream publishers and admin
// alert channels the recorder writes to.
package sink

import (
	"context"
	"sync"

	"github.com/flowguard-project/flowguard/internal/core"
)

// MemoryStore is a bounded in-process EventStore and AlertChannel. Events live
// in a fixed-size ring; once full, each append overwrites the oldest event.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*core.SecurityEvent
	pos       int
	full      bool
	alerts    []*core.Alert
	maxEvents int
}

func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = 100000
	}
	return &MemoryStore{maxEvents: maxEvents}
}

func (s *MemoryStore) Append(_ context.Context, event *core.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full && len(s.events) < s.maxEvents {
		s.events = append(s.events, event)
	} else {
		s.events[s.pos] = event
	}
	s.pos = (s.pos + 1) % s.maxEvents
	if s.pos == 0 {
		s.full = true
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q core.EventQuery) ([]*core.SecurityEvent, error) {
	s.mu.RLock()
	out := make([]*core.SecurityEvent, 0)
	for _, e := range s.events {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	core.SortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Alert records an admin alert.
func (s *MemoryStore) Alert(_ context.Context, alert *core.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > s.maxEvents {
		s.alerts = s.alerts[len(s.alerts)-s.maxEvents:]
	}
	s.mu.Unlock()
	return nil
}

// Alerts returns up to limit alerts, newest first.
func (s *MemoryStore) Alerts(limit int) []*core.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.alerts) {
		limit = len(s.alerts)
	}
	out := make([]*core.Alert, 0, limit)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.alerts[i])
	}
	return out
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
