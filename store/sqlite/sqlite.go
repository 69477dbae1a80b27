/*
Package sqlite provides a SQLite-backed implementation of kv.Store.

PURPOSE:
  The durable medium for a client that must survive a restart: completed
  operation outcomes, active payment intents and payment history. A process
  that crashes right after tapping "pay" reopens the same file and finds the
  outcome already recorded.

KEY TABLES:
  kv_entries: (namespace, key) -> value, one row per entry

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own locking, so a
  read never observes a half-applied Clear.

WAL MODE:
  Opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./checkout.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  outcomes := idempotency.NewOutcomeCache(store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - kv/store.go: Interface definition
  - kv/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/checkout-guard/kv"
)

// Store implements kv.Store using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ kv.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_entries_namespace
		ON kv_entries(namespace);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// KV OPERATIONS
// =============================================================================

func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if namespace == "" {
		return nil, false, kv.ErrEmptyNamespace
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, kv.ErrClosed
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	if namespace == "" {
		return kv.ErrEmptyNamespace
	}
	if value == nil {
		value = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if namespace == "" {
		return kv.ErrEmptyNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		return nil, kv.ErrEmptyNamespace
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", namespace, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Clear(ctx context.Context, namespace string) error {
	if namespace == "" {
		return kv.ErrEmptyNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("clear %s: %w", namespace, err)
	}
	return nil
}
