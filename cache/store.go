// Package cache persists compiled artifacts between runs. Artifacts are
// keyed by the SHA-256 of their source text and stored as CBOR blobs in a
// single SQLite database, so an unchanged file skips the compiler
// entirely on its next run.
package cache

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var cacheLog = commonlog.GetLogger("dynac.cache")

// ErrMiss indicates the requested key has no cached artifact.
var ErrMiss = errors.New("cache: not found")

// Store is a SQLite-backed artifact cache.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		hash TEXT PRIMARY KEY,
		artifact BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating artifacts table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores an artifact blob under a source hash, replacing any previous
// entry for that hash.
func (s *Store) Put(key [32]byte, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO artifacts (hash, artifact, created_at) VALUES (?, ?, ?)",
		hex.EncodeToString(key[:]), blob, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storing artifact: %w", err)
	}
	cacheLog.Debugf("stored %d bytes for %x", len(blob), key[:8])
	return nil
}

// Get retrieves the artifact blob for a source hash. Returns ErrMiss when
// no entry exists.
func (s *Store) Get(key [32]byte) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT artifact FROM artifacts WHERE hash = ?",
		hex.EncodeToString(key[:]),
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	cacheLog.Debugf("hit for %x (%d bytes)", key[:8], len(blob))
	return blob, nil
}

// Has reports whether an artifact exists for a source hash.
func (s *Store) Has(key [32]byte) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM artifacts WHERE hash = ?",
		hex.EncodeToString(key[:]),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying artifact: %w", err)
	}
	return true, nil
}

// Delete removes the entry for a source hash. Deleting a missing key is
// not an error.
func (s *Store) Delete(key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM artifacts WHERE hash = ?", hex.EncodeToString(key[:]))
	if err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	return nil
}

// Len returns the number of cached artifacts.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM artifacts").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting artifacts: %w", err)
	}
	return n, nil
}
