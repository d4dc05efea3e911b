package core

import (
	"context"
	"sort"
	"time"
)

// EventQuery selects events from an EventStore. Zero values do not filter.
// Results are ordered newest first.
type EventQuery struct {
	ActorID string
	Since   time.Time
	Limit   int
}

// Matches reports whether event satisfies the query filters (ignoring Limit).
func (q EventQuery) Matches(event *SecurityEvent) bool {
	if q.ActorID != "" && event.ActorID != q.ActorID {
		return false
	}
	if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// EventStore is the append-only, queryable audit log.
type EventStore interface {
	Append(ctx context.Context, event *SecurityEvent) error
	Query(ctx context.Context, q EventQuery) ([]*SecurityEvent, error)
}

// EventPublisher mirrors recorded events to a stream (NATS, Kafka).
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *SecurityEvent) error
}

// Emitter is what guard components use to report events. Implementations must
// not block the caller on I/O.
type Emitter interface {
	Emit(event *SecurityEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(event *SecurityEvent)

func (f EmitterFunc) Emit(event *SecurityEvent) { f(event) }

// NopEmitter discards events.
var NopEmitter Emitter = EmitterFunc(func(*SecurityEvent) {})

// Stats aggregates events by type and severity.
type Stats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
	Since      time.Time      `json:"since"`
}

// Summarize builds Stats for events.
func Summarize(events []*SecurityEvent, since time.Time) Stats {
	stats := Stats{
		Total:      len(events),
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
		Since:      since,
	}
	for _, e := range events {
		stats.ByType[string(e.Type)]++
		stats.BySeverity[e.Severity.String()]++
	}
	return stats
}

// SortNewestFirst orders events by descending timestamp.
func SortNewestFirst(events []*SecurityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
