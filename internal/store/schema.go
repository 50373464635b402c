package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// localTables is the fixed set of entity tables the client persists.
// The mutation queue accepts only these table names.
var localTables = map[string]bool{
	"assets":             true,
	"locations":          true,
	"users":              true,
	"suppliers":          true,
	"movements":          true,
	"inventory_sessions": true,
}

// KnownTable reports whether the table is on the local allow-list.
func KnownTable(table string) bool {
	return localTables[table]
}

// SanitizeColumnName reduces an attribute name to a safe SQLite column
// identifier: lowercase letters, digits and underscore. Returns "" when
// nothing safe remains or the result would not start with a letter.
func SanitizeColumnName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return ""
	}
	if c := clean[0]; c >= '0' && c <= '9' {
		return ""
	}
	return clean
}

// columnExists checks if a column exists in a table
func (s *Store) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&count)
	return err == nil && count > 0
}

// tableColumns returns the live column set for a table.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// EnsureColumn adds a loosely-typed column to an entity table if it does
// not exist yet. Idempotent: an already-present column is a no-op. The
// schema change is permanent for the life of the local store.
func (s *Store) EnsureColumn(table, column string) error {
	if !localTables[table] {
		return fmt.Errorf("unknown table: %s", table)
	}
	clean := SanitizeColumnName(column)
	if clean == "" {
		return fmt.Errorf("column name %q cannot be sanitized", column)
	}
	if s.columnExists(table, clean) {
		return nil
	}

	// Table and column are validated above, safe to interpolate.
	_, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, table, clean))
	if err != nil {
		// Lost a race with a concurrent ALTER, or the column snuck in
		// between the check and the exec. Treat as present.
		if s.columnExists(table, clean) {
			return nil
		}
		return fmt.Errorf("add column %s.%s: %w", table, clean, err)
	}
	return nil
}

// ensureColumnLogged wraps EnsureColumn with the adapter's failure policy:
// schema evolution errors are logged, never propagated, and the caller
// falls back to the overflow bucket.
func (s *Store) ensureColumnLogged(logger *slog.Logger, table, column string) bool {
	if err := s.EnsureColumn(table, column); err != nil {
		if logger != nil {
			logger.Warn("schema evolution failed, keeping attribute in overflow",
				"table", table, "column", column, "error", err)
		}
		return false
	}
	return true
}
