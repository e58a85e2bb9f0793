// Package sqlitekv implements persiststore.KV on top of a SQLite database,
// using one row per namespace+key blob. It is the on-disk backing store for
// devicemgrd; a fresh namespace creates its rows lazily on first write.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	dirPermissions  = 0750
	connMaxIdleTime = 30 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Config describes how to open the backing SQLite file.
type Config struct {
	// Path is the filesystem path to the database file. The containing
	// directory is created if it doesn't exist.
	Path string

	// BusyTimeoutMs bounds how long SQLite waits on a locked database
	// before returning SQLITE_BUSY.
	BusyTimeoutMs int
}

// Store is a persiststore.KV backed by a single SQLite file. All namespaces
// share one database; rows are keyed by (namespace, key).
type Store struct {
	db *sql.DB
}

// Open connects to (creating if absent) the database described by cfg and
// ensures the blobs table exists.
func Open(cfg Config) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	busyMs := cfg.BusyTimeoutMs
	if busyMs == 0 {
		busyMs = 5000
	}
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", cfg.Path, busyMs)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blobs table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the blob stored under namespace/key, or found=false if absent.
func (s *Store) Get(namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM blobs WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying blob %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Set upserts the blob stored under namespace/key.
func (s *Store) Set(namespace, key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO blobs (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`, namespace, key, value)
	if err != nil {
		return fmt.Errorf("writing blob %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Clear deletes every blob belonging to namespace.
func (s *Store) Clear(namespace string) error {
	if _, err := s.db.Exec(`DELETE FROM blobs WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("clearing namespace %s: %w", namespace, err)
	}
	return nil
}
