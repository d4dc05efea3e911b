package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id               TEXT PRIMARY KEY,
	event_type       TEXT NOT NULL,
	severity         TEXT NOT NULL,
	actor_id         TEXT NOT NULL DEFAULT '',
	source_address   TEXT NOT NULL,
	client_signature TEXT NOT NULL,
	details          TEXT NOT NULL DEFAULT '[]',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_actor ON security_events (actor_id, created_at);
CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events (created_at);

CREATE TABLE IF NOT EXISTS admin_alerts (
	id          TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
`

// SQLiteStore is the durable audit log. Timestamps are stored as Unix
// nanoseconds so ordering and window filters stay exact.
type SQLiteStore struct {
	db *sqlx.DB
}

type eventRow struct {
	ID              string `db:"id"`
	EventType       string `db:"event_type"`
	Severity        string `db:"severity"`
	ActorID         string `db:"actor_id"`
	SourceAddress   string `db:"source_address"`
	ClientSignature string `db:"client_signature"`
	Details         string `db:"details"`
	CreatedAt       int64  `db:"created_at"`
}

type alertRow struct {
	ID          string `db:"id"`
	EventID     string `db:"event_id"`
	Kind        string `db:"kind"`
	Severity    string `db:"severity"`
	Title       string `db:"title"`
	Description string `db:"description"`
	CreatedAt   int64  `db:"created_at"`
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, event *core.SecurityEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshaling details: %w", err)
	}
	if event.Details == nil {
		details = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, event_type, severity, actor_id, source_address, client_signature, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.Severity.String(),
		event.ActorID,
		event.SourceAddress,
		event.ClientSignature,
		string(details),
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", event.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, q core.EventQuery) ([]*core.SecurityEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := "SELECT * FROM security_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	events := make([]*core.SecurityEvent, 0, len(rows))
	for _, r := range rows {
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (r eventRow) event() (*core.SecurityEvent, error) {
	sev, ok := core.ParseSeverity(r.Severity)
	if !ok {
		return nil, fmt.Errorf("event %s: unknown severity %q", r.ID, r.Severity)
	}
	var details core.Details
	if err := json.Unmarshal([]byte(r.Details), &details); err != nil {
		return nil, fmt.Errorf("event %s: decoding details: %w", r.ID, err)
	}
	return &core.SecurityEvent{
		ID:              r.ID,
		Type:            core.EventType(r.EventType),
		Severity:        sev,
		ActorID:         r.ActorID,
		SourceAddress:   r.SourceAddress,
		ClientSignature: r.ClientSignature,
		Details:         details,
		Timestamp:       time.Unix(0, r.CreatedAt).UTC(),
	}, nil
}

// Alert writes an admin alert row.
func (s *SQLiteStore) Alert(ctx context.Context, alert *core.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_alerts (id, event_id, kind, severity, title, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.EventID,
		alert.Kind,
		alert.Severity.String(),
		alert.Title,
		alert.Description,
		alert.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting alert %s: %w", alert.ID, err)
	}
	return nil
}

// Alerts returns up to limit admin alerts, newest first.
func (s *SQLiteStore) Alerts(ctx context.Context, limit int) ([]*core.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM admin_alerts ORDER BY created_at DESC LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	alerts := make([]*core.Alert, 0, len(rows))
	for _, r := range rows {
		sev, _ := core.ParseSeverity(r.Severity)
		alerts = append(alerts, &core.Alert{
			ID:          r.ID,
			EventID:     r.EventID,
			Kind:        r.Kind,
			Severity:    sev,
			Title:       r.Title,
			Description: r.Description,
			Timestamp:   time.Unix(0, r.CreatedAt).UTC(),
		})
	}
	return alerts, nil
}
