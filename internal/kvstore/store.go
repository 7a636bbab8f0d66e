// Package kvstore provides a namespaced, TTL-bounded key-value store
// backed by SQLite. It underlies the Context Store (C2), which keeps one
// entry per session id under the "context" namespace; every Set
// refreshes the entry's expiry so an active
// conversation never ages out mid-use. It is deliberately generic —
// lightweight state that needs to survive restarts but doesn't deserve
// its own schema — rather than a place for structured domain data.
package kvstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with a fixed nine-digit fraction, so stored
// UTC timestamps keep sub-second TTLs and compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a namespaced key-value store with per-entry TTL. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens a key-value store at the given database path.
// The schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv_entries (expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for a namespace/key pair and whether it
// was found and unexpired. An expired entry reads back as not found; it
// is lazily reaped on the next Sweep rather than on every Get.
func (s *Store) Get(namespace, key string) (value string, ok bool, err error) {
	var v, expiresAt string
	err = s.db.QueryRow(
		`SELECT value, expires_at FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&v, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}

	exp, err := time.Parse(timeLayout, expiresAt)
	if err != nil {
		return "", false, fmt.Errorf("parse expires_at for %s/%s: %w", namespace, key, err)
	}
	if time.Now().UTC().After(exp) {
		return "", false, nil
	}
	return v, true, nil
}

// Set upserts a namespace/key/value triple with a fresh TTL from now.
// Every call, including one that merely refreshes an existing value,
// resets expires_at — this is what keeps an active Context alive.
func (s *Store) Set(namespace, key, value string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	_, err := s.db.Exec(
		`INSERT INTO kv_entries (namespace, key, value, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		namespace, key, value, now.Format(timeLayout), expiresAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace removes all entries for a namespace. No error is
// returned if the namespace has no entries.
func (s *Store) DeleteNamespace(namespace string) error {
	_, err := s.db.Exec(
		`DELETE FROM kv_entries WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// Keys returns every unexpired key currently stored under namespace,
// in no particular order. Used by the dashboard to enumerate active
// sessions without threading a separate index through the Context Store.
func (s *Store) Keys(namespace string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM kv_entries WHERE namespace = ? AND expires_at >= ?`,
		namespace, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key in %s: %w", namespace, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Sweep deletes all entries whose TTL has expired and returns the count
// removed. Intended to be called periodically by a retention routine;
// Get already treats expired entries as absent, so Sweep only reclaims
// space and never changes read semantics.
func (s *Store) Sweep() (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM kv_entries WHERE expires_at < ?`,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}
