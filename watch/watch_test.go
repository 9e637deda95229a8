package watch

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Force single connection so all callers see the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE pages (id TEXT PRIMARY KEY, source TEXT NOT NULL, modified_at INTEGER NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestPagesModified(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := PagesModified(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("empty table version = %d, want 0", v)
	}

	if _, err := db.Exec(`INSERT INTO pages VALUES ('alpha', 'x', 1700000000)`); err != nil {
		t.Fatal(err)
	}
	v, err = PagesModified(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1700000000 {
		t.Errorf("version = %d, want 1700000000", v)
	}
}

func TestOnChangeFires(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(db, Options{Interval: 10 * time.Millisecond, Detector: PagesModified})

	var fired atomic.Int64
	go w.OnChange(ctx, func() error {
		fired.Add(1)
		return nil
	})

	// Let the watcher seed its initial version before mutating.
	time.Sleep(50 * time.Millisecond)
	if _, err := db.Exec(`INSERT INTO pages VALUES ('alpha', 'x', 1700000000)`); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("action never fired")
	}
	if w.Version() != 1700000000 {
		t.Errorf("version = %d, want 1700000000", w.Version())
	}
}

func TestFailedActionIsRetried(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(db, Options{Interval: 10 * time.Millisecond, Detector: PagesModified})

	var calls atomic.Int64
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return context.DeadlineExceeded // any error
		}
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if _, err := db.Exec(`INSERT INTO pages VALUES ('alpha', 'x', 1700000000)`); err != nil {
		t.Fatal(err)
	}

	// First fire fails and must not advance the version.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("action never ran")
	}
	if w.Version() == 1700000000 && calls.Load() == 1 {
		t.Error("version advanced after failed action")
	}

	// Another change retries the action, which now succeeds.
	if _, err := db.Exec(`UPDATE pages SET modified_at = 1700000001`); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for w.Version() != 1700000001 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if w.Version() != 1700000001 {
		t.Fatalf("version = %d, want 1700000001 after retry", w.Version())
	}

	stats := w.Stats()
	if stats.Errors == 0 {
		t.Error("failed action not counted")
	}
	if stats.Fires == 0 {
		t.Error("successful fire not counted")
	}
}

func TestDebounceCoalesces(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: PagesModified,
	})

	var fired atomic.Int64
	go w.OnChange(ctx, func() error {
		fired.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	// Rapid successive changes inside the debounce window.
	for i := range 3 {
		if _, err := db.Exec(`INSERT OR REPLACE INTO pages VALUES ('alpha', 'x', ?)`, 1700000000+i); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("fired %d times, want 1 coalesced fire", got)
	}
}
