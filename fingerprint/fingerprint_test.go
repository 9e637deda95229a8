package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("<p>Hello</p>"))
	b := Digest([]byte("<p>Hello</p>"))
	c := Digest([]byte("<p>Hello World</p>"))

	if a != b {
		t.Errorf("same input produced different digests: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different inputs produced the same digest")
	}
	if len(a) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(a))
	}
}

func TestWriteRead(t *testing.T) {
	s := testStore(t)

	if s.Has("alpha") {
		t.Error("Has on empty store")
	}
	if _, _, err := s.ReadWithAge("alpha", time.Now()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	d := Digest([]byte("<p>Hello</p>"))
	if err := s.Write("alpha", d); err != nil {
		t.Fatal(err)
	}
	if !s.Has("alpha") {
		t.Error("Has after write")
	}

	got, stale, err := s.ReadWithAge("alpha", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Errorf("digest = %s, want %s", got, d)
	}
	if stale {
		t.Error("record marked stale with older source mod time")
	}
}

func TestStaleness(t *testing.T) {
	s := testStore(t)
	if err := s.Write("alpha", Digest([]byte("x"))); err != nil {
		t.Fatal(err)
	}

	// Source modified after the record was written: stale.
	_, stale, err := s.ReadWithAge("alpha", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("record not marked stale with newer source mod time")
	}
}

func TestOverwrite(t *testing.T) {
	s := testStore(t)
	if err := s.Write("alpha", "aaaa"); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("alpha", "bbbb"); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.ReadWithAge("alpha", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "bbbb" {
		t.Errorf("digest = %s, want bbbb", got)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("count = %d, want 1 after overwrite", n)
	}
}

func TestCorruptRecordIsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	// An empty record is unusable and must read as not-found.
	if err := os.WriteFile(filepath.Join(dir, recordName("alpha")), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ReadWithAge("alpha", time.Now()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for empty record, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := testStore(t)
	if err := s.Remove("missing"); err != nil {
		t.Errorf("removing a missing record should not fail: %v", err)
	}
	if err := s.Write("alpha", "aaaa"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("alpha"); err != nil {
		t.Fatal(err)
	}
	if s.Has("alpha") {
		t.Error("record still present after Remove")
	}
}

func TestSweep(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"alpha", "beta", "gamma"} {
		if err := s.Write(id, Digest([]byte(id))); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Sweep([]string{"alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if !s.Has("alpha") {
		t.Error("live record swept")
	}
	if s.Has("beta") || s.Has("gamma") {
		t.Error("dead records survived sweep")
	}
}

func TestSpecialCharacterIDs(t *testing.T) {
	s := testStore(t)
	ids := []string{"wiki:syntax", "a/b", "../escape", "name with spaces"}
	for _, id := range ids {
		if err := s.Write(id, Digest([]byte(id))); err != nil {
			t.Fatalf("write %q: %v", id, err)
		}
		if !s.Has(id) {
			t.Errorf("record for %q missing", id)
		}
	}
	if n, _ := s.Count(); n != len(ids) {
		t.Errorf("count = %d, want %d", n, len(ids))
	}
}
