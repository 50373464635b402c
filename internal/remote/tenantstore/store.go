// Package tenantstore is the multi-tenant system of record behind
// tally-server. It owns the remote schema (a mix of legacy and evolving
// column names), tenant scoping, and the transactional batch-apply
// processor for queued client mutations.
package tenantstore

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store wraps the server-side SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a store connection with foreign keys enforced.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// Initialize creates the remote schema. Column names are the system of
// record's own convention, which client-native attribute names are
// mapped onto at apply time; extra_data absorbs unmapped attributes.
func (s *Store) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT,
		address TEXT,
		parent_id TEXT,
		extra_data JSON,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		full_name TEXT,
		email TEXT,
		avatar_url TEXT,
		role TEXT,
		extra_data JSON,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT,
		supplier_type TEXT,
		tax_id TEXT,
		extra_data JSON,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT,
		description TEXT,
		value REAL,
		category TEXT,
		condition_grade TEXT,
		location_id TEXT,
		responsible_id TEXT,
		acquired_on TEXT,
		serial_no TEXT,
		model TEXT,
		manufacturer TEXT,
		image_url TEXT,
		asset_tag TEXT,
		extra_data JSON,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (location_id) REFERENCES locations(id)
	);

	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		asset_id TEXT,
		from_location_id TEXT,
		to_location_id TEXT,
		responsible_id TEXT,
		moved_on TEXT,
		extra_data JSON,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (from_location_id) REFERENCES locations(id),
		FOREIGN KEY (to_location_id) REFERENCES locations(id)
	);

	CREATE TABLE IF NOT EXISTS inventory_sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT,
		responsible_id TEXT,
		started_on TEXT,
		ended_on TEXT,
		expected_count INTEGER,
		scanned_count INTEGER,
		extra_data JSON,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Applied operation ids. Redelivery of a known id is a no-op success.
	CREATE TABLE IF NOT EXISTS sync_applied_ops (
		op_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_assets_tenant ON assets(tenant_id, is_deleted);
	CREATE INDEX IF NOT EXISTS idx_locations_tenant ON locations(tenant_id, is_deleted);
	CREATE INDEX IF NOT EXISTS idx_movements_tenant ON movements(tenant_id, is_deleted);
	CREATE INDEX IF NOT EXISTS idx_applied_tenant ON sync_applied_ops(tenant_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
