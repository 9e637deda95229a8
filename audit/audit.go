// Package audit records drift decisions to a SQLite table so operators can
// see why forced revisions were (or were not) created.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Schema for the drift_events table. Call Logger.Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS drift_events (
	event_id TEXT PRIMARY KEY,
	page_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	digest TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drift_events_page ON drift_events(page_id, created_at);
`

// Event is one recorded drift decision.
type Event struct {
	EventID   string    `json:"event_id"`
	PageID    string    `json:"page_id"`
	Outcome   string    `json:"outcome"`
	Digest    string    `json:"digest,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Logger writes drift events. Recording never propagates errors: a failing
// audit store must not block rendering.
type Logger struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger backed by the given database.
func NewLogger(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:    db,
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Init creates the drift_events table if it does not exist.
func (l *Logger) Init() error {
	_, err := l.db.Exec(Schema)
	return err
}

// Record persists one drift decision. Errors are logged via slog and dropped.
func (l *Logger) Record(ctx context.Context, pageID, outcome, digest, detail string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO drift_events (event_id, page_id, outcome, digest, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.newID(), pageID, outcome, digest, detail, l.now().Unix())
	if err != nil {
		slog.Warn("audit: drift event log failed", "page", pageID, "outcome", outcome, "error", err)
	}
}

// Recent returns the latest events, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, page_id, outcome, digest, detail, created_at
		FROM drift_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.EventID, &e.PageID, &e.Outcome, &e.Digest, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than the retention window. Zero days disables.
func Cleanup(ctx context.Context, db *sql.DB, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - int64(retentionDays*86400)
	_, err := db.ExecContext(ctx, `DELETE FROM drift_events WHERE created_at < ?`, cutoff)
	return err
}
