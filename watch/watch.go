// Package watch provides a "poll SQLite, detect change, debounce, act" loop.
//
// renderrev uses it to keep the fingerprint cache in step with the page
// database: when pages change (created, deleted, force-revised), the watcher
// fires a sweep that drops digest records with no live page behind them.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{Interval: time.Minute, Debounce: 5 * time.Second})
//	go w.OnChange(ctx, func() error { return sweep() })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector reads a version token from the database. Two calls returning
// different values mean "something changed".
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// More changes inside the window reset the timer. 0 fires immediately.
	Debounce time.Duration
	// Detector overrides the default DataVersion detector.
	Detector Detector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes_detected"`
	Errors  int64 `json:"errors"`
	Fires   int64 `json:"fires"`
}

// Watcher polls a SQLite database and runs an action when it changes.
// Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errs    atomic.Int64
	fires   atomic.Int64
}

// New creates a Watcher. Call OnChange to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errs.Load(),
		Fires:   w.fires.Load(),
	}
}

// Version returns the last successfully processed version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval. When the
// detector reports a new version and the debounce window passes quietly, the
// action runs. If the action fails the version is not advanced, so the
// action is retried on the next detected change.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errs.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur

			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				pending = -1
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.opts.Debounce)
			debounceCh = debounceTimer.C
			log.Debug("watch: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(log, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	if err := action(); err != nil {
		w.errs.Add(1)
		log.Error("watch: action failed", "error", err, "version", ver)
		return
	}
	w.fires.Add(1)
	w.version.Store(ver)
	log.Info("watch: action complete", "version", ver)
}

// DataVersion uses PRAGMA data_version, which increments whenever another
// connection writes to the same database file.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PagesModified polls the newest page modification time. It detects edits
// and forced revisions made through the same connection pool, which PRAGMA
// data_version does not see.
func PagesModified(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(modified_at), 0) FROM pages").Scan(&v)
	return v, err
}
