// Package store is the node's small persistent key-value store, kept in a
// single SQLite file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/csi.relay/internal/monitoring"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: key not found")

// InitResult describes what Open had to do to make the store usable.
type InitResult struct {
	// Formatted is set when the existing file was erased and recreated.
	Formatted bool
}

// Store is a string key-value store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path and brings its schema up to date.
// A file that is not a database, or whose schema cannot be migrated in
// place, is erased and initialised again once; a second failure is returned.
func Open(path string) (*Store, InitResult, error) {
	var res InitResult
	s, err := open(path)
	if err == nil {
		return s, res, nil
	}
	if !needsFormat(err) {
		return nil, res, err
	}

	monitoring.Logf("Store %s unusable (%v), erasing", path, err)
	if err := erase(path); err != nil {
		return nil, res, err
	}
	res.Formatted = true
	s, err = open(path)
	if err != nil {
		return nil, res, fmt.Errorf("store: initialise after erase: %w", err)
	}
	return s, res, nil
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure store %s: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func needsFormat(err error) bool {
	if errors.Is(err, errIncompatible) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "database disk image is malformed")
}

func erase(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("erase store: %w", err)
		}
	}
	return nil
}

// Path returns the file the store lives in.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for read-only debugging.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Increment adds one to the integer stored under key, treating a missing
// key as zero, and returns the new value.
func (s *Store) Increment(key string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	defer tx.Rollback()

	var cur string
	var n int64
	switch err := tx.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&cur); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("increment %s: %w", key, err)
	default:
		n, err = strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %s: value %q is not an integer", key, cur)
		}
	}
	n++
	if _, err := tx.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(n, 10)); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return n, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys in ascending order.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
