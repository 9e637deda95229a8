// Package fingerprint persists one rendered-output digest per page.
//
// The store is the memory of the drift engine: after a page is committed,
// the digest of its rendering is written here, and later renders are judged
// against it. Records are plain files whose modification time doubles as the
// record's age marker — a record older than the page source means the source
// was edited since the digest was taken and the record is stale.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when no usable record exists for a page.
// Unreadable or corrupt records are reported as ErrNotFound as well, so a
// damaged cache degrades into re-baselining instead of blocking renders.
var ErrNotFound = errors.New("fingerprint: no record")

const recordExt = ".fp"

// Digest computes the fingerprint of a rendered output: SHA-256 truncated to
// 128 bits, hex encoded. Equality of digests is the change proxy; collisions
// are accepted as negligible.
func Digest(output []byte) string {
	h := sha256.Sum256(output)
	return hex.EncodeToString(h[:16])
}

// Store is a file-per-page digest cache rooted at a single directory.
// Concurrent writers for the same page race with last-writer-wins semantics;
// records for different pages are disjoint files and need no coordination.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the cache directory if needed and returns a Store.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fingerprint: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Has reports whether a record exists for the page.
func (s *Store) Has(pageID string) bool {
	_, err := os.Stat(s.path(pageID))
	return err == nil
}

// ReadWithAge returns the stored digest for the page and whether the record
// is stale relative to sourceModTime (the page source was modified after the
// record was written). Missing, empty, or malformed records yield ErrNotFound.
func (s *Store) ReadWithAge(pageID string, sourceModTime time.Time) (digest string, stale bool, err error) {
	path := s.path(pageID)
	info, err := os.Stat(path)
	if err != nil {
		return "", false, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("fingerprint: unreadable record", "page", pageID, "error", err)
		return "", false, ErrNotFound
	}
	digest = strings.TrimSpace(string(data))
	if digest == "" {
		return "", false, ErrNotFound
	}
	// Second granularity on both sides, matching the throttle comparisons.
	stale = sourceModTime.Unix() > info.ModTime().Unix()
	return digest, stale, nil
}

// Write replaces the record for the page with the given digest. The record
// is written to a temp file and renamed, so readers never observe a partial
// record. The file's mtime becomes the record's implicit timestamp.
func (s *Store) Write(pageID, digest string) error {
	tmp, err := os.CreateTemp(s.dir, "fp-*")
	if err != nil {
		return fmt.Errorf("fingerprint: temp file: %w", err)
	}
	if _, err := tmp.WriteString(digest); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("fingerprint: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("fingerprint: close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(pageID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("fingerprint: rename record: %w", err)
	}
	return nil
}

// Remove deletes the record for the page. Missing records are not an error.
func (s *Store) Remove(pageID string) error {
	err := os.Remove(s.path(pageID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fingerprint: remove record: %w", err)
	}
	return nil
}

// Count returns the number of records currently in the cache.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: read dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), recordExt) {
			n++
		}
	}
	return n, nil
}

// Sweep removes records that do not belong to any page in live. It returns
// the number of records removed. Record names are derived from page IDs, so
// the sweep compares against the derived names of the live set.
func (s *Store) Sweep(live []string) (int, error) {
	keep := make(map[string]bool, len(live))
	for _, id := range live {
		keep[recordName(id)] = true
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: read dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) || keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("fingerprint: sweep remove failed", "record", name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) path(pageID string) string {
	return filepath.Join(s.dir, recordName(pageID))
}

// recordName hashes the page ID so IDs with path separators or other special
// characters map to flat, safe file names.
func recordName(pageID string) string {
	h := sha256.Sum256([]byte(pageID))
	return hex.EncodeToString(h[:16]) + recordExt
}
