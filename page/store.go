// Package page stores wiki pages and their revision history in SQLite.
//
// A page is a single markdown source plus a modification time. Every accepted
// save appends a revision row; saves with source identical to the current
// head are refused unless the caller forces a new revision (the drift engine
// does this when the rendered output changed without a source edit).
package page

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema for the pages and revisions tables. Call Store.Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	modified_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS revisions (
	rev_id TEXT PRIMARY KEY,
	page_id TEXT NOT NULL,
	source TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revisions_page ON revisions(page_id, created_at);
`

// ErrNotFound is returned when a page or revision does not exist.
var ErrNotFound = errors.New("page: not found")

// ErrUnchanged is returned by Save when the new source is byte-identical to
// the current head and no forced revision was requested.
var ErrUnchanged = errors.New("page: source unchanged")

// Page is the current state of a wiki page.
type Page struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Revision is one historical entry of a page.
type Revision struct {
	RevID     string    `json:"rev_id"`
	PageID    string    `json:"page_id"`
	Source    string    `json:"source,omitempty"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists pages and revisions.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRevisionIDs overrides the revision ID generator (tests).
func WithRevisionIDs(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore wraps an open database. Call Init to create the tables.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the schema if it does not exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// Exists reports whether the page exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("page: exists %s: %w", id, err)
	}
	return true, nil
}

// Get returns the current state of the page.
func (s *Store) Get(ctx context.Context, id string) (*Page, error) {
	var p Page
	var mod int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, modified_at FROM pages WHERE id = ?`, id).
		Scan(&p.ID, &p.Source, &mod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("page: get %s: %w", id, err)
	}
	p.ModifiedAt = time.Unix(mod, 0)
	return &p, nil
}

// Source returns the current source text of the page.
func (s *Store) Source(ctx context.Context, id string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Source, nil
}

// ModTime returns the current source modification time of the page.
func (s *Store) ModTime(ctx context.Context, id string) (time.Time, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return p.ModifiedAt, nil
}

// Save writes a new head state for the page and appends a revision.
//
// When the new source is identical to the current head, Save normally
// refuses with ErrUnchanged. With force set, the refusal is bypassed and a
// revision is written anyway — the one-shot override the drift engine uses
// to commit a rendering change that has no source edit behind it. The force
// flag is scoped to exactly this call.
//
// Saving always advances modified_at, so a forced revision makes any older
// fingerprint record stale on the next render.
func (s *Store) Save(ctx context.Context, id, source, comment string, force bool) (*Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("page: begin save %s: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT source FROM pages WHERE id = ?`, id).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("page: read head %s: %w", id, err)
	}

	if exists && current == source && !force {
		return nil, ErrUnchanged
	}

	now := s.now().Unix()
	rev := &Revision{
		RevID:     s.newID(),
		PageID:    id,
		Source:    source,
		Comment:   comment,
		CreatedAt: time.Unix(now, 0),
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE pages SET source = ?, modified_at = ? WHERE id = ?`,
			source, now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pages (id, source, modified_at) VALUES (?, ?, ?)`,
			id, source, now)
	}
	if err != nil {
		return nil, fmt.Errorf("page: write head %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO revisions (rev_id, page_id, source, comment, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rev.RevID, id, source, comment, now)
	if err != nil {
		return nil, fmt.Errorf("page: write revision %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("page: commit save %s: %w", id, err)
	}
	return rev, nil
}

// Delete removes the page and its revision history in one transaction, so a
// failure never leaves orphan revision rows behind.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("page: begin delete %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("page: delete %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE page_id = ?`, id); err != nil {
		return fmt.Errorf("page: delete revisions %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("page: commit delete %s: %w", id, err)
	}
	return nil
}

// History lists revisions of the page, newest first, without source bodies.
func (s *Store) History(ctx context.Context, id string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rev_id, page_id, comment, created_at FROM revisions
		 WHERE page_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("page: history %s: %w", id, err)
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var r Revision
		var created int64
		if err := rows.Scan(&r.RevID, &r.PageID, &r.Comment, &created); err != nil {
			return nil, fmt.Errorf("page: history scan %s: %w", id, err)
		}
		r.CreatedAt = time.Unix(created, 0)
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// Revision returns one historical entry including its source.
func (s *Store) Revision(ctx context.Context, revID string) (*Revision, error) {
	var r Revision
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT rev_id, page_id, source, comment, created_at FROM revisions WHERE rev_id = ?`, revID).
		Scan(&r.RevID, &r.PageID, &r.Source, &r.Comment, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("page: revision %s: %w", revID, err)
	}
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// At returns the newest revision of the page at or before the given time.
func (s *Store) At(ctx context.Context, id string, at time.Time) (*Revision, error) {
	var r Revision
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT rev_id, page_id, source, comment, created_at FROM revisions
		 WHERE page_id = ? AND created_at <= ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, id, at.Unix()).
		Scan(&r.RevID, &r.PageID, &r.Source, &r.Comment, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("page: at %s: %w", id, err)
	}
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// List returns all page IDs. Used by the fingerprint cache sweep.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("page: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("page: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
