// Package store provides SQLite-based persistence for the tally client.
// It manages local entity records, the durable mutation queue, and
// runtime schema evolution.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store represents the local SQLite database store
type Store struct {
	db *sql.DB
}

// New creates a new store connection
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Initialize creates the database schema
func (s *Store) Initialize() error {
	schema := `
	-- Entity tables. Known columns carry fixed semantics; extra_data is the
	-- JSON overflow bucket for attributes not yet promoted to columns.
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		name TEXT,
		category TEXT,
		state TEXT,
		location_id TEXT,
		responsible_id TEXT,
		purchase_date TEXT,
		value REAL,
		description TEXT,
		serial_number TEXT,
		model TEXT,
		manufacturer TEXT,
		image_url TEXT,
		extra_data JSON,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		name TEXT,
		address TEXT,
		parent_id TEXT,
		extra_data JSON,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT,
		email TEXT,
		avatar_url TEXT,
		role TEXT,
		extra_data JSON,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT,
		supplier_type TEXT,
		extra_data JSON,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		asset_id TEXT,
		from_location_id TEXT,
		to_location_id TEXT,
		responsible_id TEXT,
		extra_data JSON,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS inventory_sessions (
		id TEXT PRIMARY KEY,
		name TEXT,
		responsible_id TEXT,
		extra_data JSON,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Durable mutation queue. seq preserves enqueue order; op id is the
	-- idempotency key and dedups redelivered appends.
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		table_name TEXT NOT NULL,
		action TEXT NOT NULL,
		payload JSON NOT NULL,
		match_json JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	-- Config (device state, etc.)
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_assets_location ON assets(location_id);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// DB returns the underlying database connection for advanced queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetValue gets a value from the key-value store
func (s *Store) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetValue sets a value in the key-value store
func (s *Store) SetValue(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?",
		key, value, value,
	)
	return err
}

// parseTimestamp parses a timestamp string from SQLite in various formats
func parseTimestamp(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
