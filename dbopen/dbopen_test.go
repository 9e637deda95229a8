package dbopen

import (
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func TestOpenMemory(t *testing.T) {
	db := OpenMemory(t)
	if _, err := db.Exec("CREATE TABLE x (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
}

func TestPragmasApplied(t *testing.T) {
	db := OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 10_000 {
		t.Errorf("busy_timeout = %d, want 10000", timeout)
	}
}

func TestWithoutForeignKeys(t *testing.T) {
	db := OpenMemory(t, WithoutForeignKeys())
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 0 {
		t.Errorf("foreign_keys = %d, want 0", fk)
	}
}

func TestWithSchema(t *testing.T) {
	db := OpenMemory(t, WithSchema("CREATE TABLE pages (id TEXT PRIMARY KEY)"))
	if _, err := db.Exec("INSERT INTO pages VALUES ('alpha')"); err != nil {
		t.Fatal(err)
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
}

func TestOpenFailsWithoutParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "test.db")
	db, err := Open(path)
	if err == nil {
		db.Close()
		t.Error("expected an error without WithMkdirAll")
	}
}
