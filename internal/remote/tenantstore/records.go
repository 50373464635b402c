package tenantstore

import (
	"context"
	"fmt"
)

// AllowedTable reports whether a table is on the fixed allow-list.
func AllowedTable(table string) bool {
	return allowedTables[table]
}

// ListRecords returns a tenant's live rows for one table with attributes
// re-mapped to client-native names and the overflow bucket unpacked.
func (s *Store) ListRecords(ctx context.Context, tenantID, table string) ([]map[string]any, error) {
	if !allowedTables[table] {
		return nil, fmt.Errorf("table not allowed: %s", table)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE tenant_id = ? AND is_deleted = 0 ORDER BY created_at DESC", table)
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		raw := make(map[string]any, len(colNames))
		for i, name := range colNames {
			v := values[i]
			if v == nil {
				continue
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			raw[name] = v
		}
		records = append(records, clientRecord(table, raw))
	}
	return records, rows.Err()
}
