// Package localstore is the device-local persistence layer: a small
// SQLite-backed key-value cache that survives restarts and is wiped per
// user on logout.
//
// It holds only convenience state (the user's status text, the cached
// copy of notification preferences). The remote service remains the
// source of truth for everything stored here.
package localstore

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by Get when the key has no entry.
var ErrNotFound = errors.New("localstore: key not found")

// Store is a device-local key-value cache.
type Store struct {
	db *sql.DB
}

// Open creates or opens the cache database at the given path.
// Use ":memory:" for an ephemeral store in tests.
//
// The database is configured with WAL mode, NORMAL synchronous mode, a
// 5-second busy timeout, and a single-connection pool (SQLite allows
// one writer at a time).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open localstore: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect localstore: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply localstore schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key builds the namespaced key for a per-user entry.
func Key(kind, userID string) string {
	return fmt.Sprintf("pulse:%s:%s", kind, userID)
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("localstore get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key for the given user, replacing any prior
// entry.
func (s *Store) Set(key, userID, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, user_id, value, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, userID, value)
	if err != nil {
		return fmt.Errorf("localstore set %q: %w", key, err)
	}
	return nil
}

// Delete removes a single entry. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("localstore delete %q: %w", key, err)
	}
	return nil
}

// DeleteUser wipes every entry belonging to the user. Called on logout
// so no cached state crosses a session boundary.
func (s *Store) DeleteUser(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("localstore delete user %q: %w", userID, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}
