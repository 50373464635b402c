package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

// camelToSnake converts a client-native attribute name (locationId) to
// the local column convention (location_id).
func camelToSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isScalar reports whether a payload value can live in a loosely-typed
// column. Maps and slices stay in the overflow bucket.
func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

// recordID extracts the row identifier from payload or match.
func recordID(payload, match map[string]any) (string, error) {
	for _, m := range []map[string]any{match, payload} {
		if m == nil {
			continue
		}
		if v, ok := m["id"]; ok && v != nil {
			return fmt.Sprint(v), nil
		}
	}
	return "", fmt.Errorf("record has no id")
}

// SaveRecord persists an entity row locally. Known attributes land in
// their columns; unknown scalar attributes are promoted to new columns
// via the schema adapter and, like every unknown attribute, are kept in
// the extra_data overflow bucket under their original name so no
// attribute is ever dropped. Existing overflow content is merged, not
// clobbered.
func (s *Store) SaveRecord(logger *slog.Logger, table string, payload map[string]any) error {
	if !localTables[table] {
		return fmt.Errorf("unknown table: %s", table)
	}

	id, err := recordID(payload, nil)
	if err != nil {
		return err
	}

	cols, err := s.tableColumns(table)
	if err != nil {
		return fmt.Errorf("read schema for %s: %w", table, err)
	}

	// Read-merge-write on the overflow bucket.
	overflow := s.loadOverflow(table, id)

	row := map[string]any{"id": id}
	for k, v := range payload {
		if k == "id" || k == "extra_data" {
			continue
		}
		name := SanitizeColumnName(camelToSnake(k))
		switch {
		case name != "" && cols[name]:
			row[name] = v
		case name != "" && isScalar(v) && s.ensureColumnLogged(logger, table, name):
			// Queryable column copy; overflow stays the source of truth.
			row[name] = v
			overflow[k] = v
		default:
			overflow[k] = v
		}
	}

	extra, err := json.Marshal(overflow)
	if err != nil {
		return fmt.Errorf("marshal overflow: %w", err)
	}
	row["extra_data"] = string(extra)

	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "?"
		args[i] = row[name]
	}

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("save %s record %s: %w", table, id, err)
	}
	return nil
}

// UpdateRecord merges the payload into an existing local row. Missing
// rows are upserted so an update arriving before its insert (out-of-order
// replay) still leaves the data on disk.
func (s *Store) UpdateRecord(logger *slog.Logger, table string, payload, match map[string]any) error {
	id, err := recordID(payload, match)
	if err != nil {
		return err
	}
	existing, err := s.GetRecord(table, id)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(existing)+len(payload))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	merged["id"] = id
	return s.SaveRecord(logger, table, merged)
}

// DeleteRecord removes an entity row from the local store. The remote
// side soft-deletes; locally the row is simply gone from the device.
func (s *Store) DeleteRecord(table string, match map[string]any) error {
	if !localTables[table] {
		return fmt.Errorf("unknown table: %s", table)
	}
	id, err := recordID(nil, match)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	return err
}

// GetRecord returns a single row as an attribute map: known columns under
// their column names, overflow attributes under their original names.
// Overflow wins on key collision so round-trips are lossless.
func (s *Store) GetRecord(table, id string) (map[string]any, error) {
	if !localTables[table] {
		return nil, fmt.Errorf("unknown table: %s", table)
	}

	rows, err := s.db.Query(fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	record, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return record, rows.Err()
}

// ListRecords returns all local rows of a table.
func (s *Store) ListRecords(table string) ([]map[string]any, error) {
	if !localTables[table] {
		return nil, fmt.Errorf("unknown table: %s", table)
	}

	rows, err := s.db.Query(fmt.Sprintf("SELECT * FROM %s ORDER BY id", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []map[string]any
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// scanRecord reads the current row into an attribute map, merging the
// overflow bucket over the column values.
func scanRecord(rows *sql.Rows) (map[string]any, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(colNames))
	ptrs := make([]any, len(colNames))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	record := make(map[string]any)
	var extraRaw string
	for i, name := range colNames {
		v := values[i]
		if v == nil {
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if name == "extra_data" {
			extraRaw, _ = v.(string)
			continue
		}
		record[name] = v
	}

	if extraRaw != "" {
		var overflow map[string]any
		if err := json.Unmarshal([]byte(extraRaw), &overflow); err == nil {
			for k, v := range overflow {
				record[k] = v
			}
		}
	}
	return record, nil
}

// loadOverflow reads the current overflow bucket for a row, empty when
// the row does not exist or the bucket cannot be parsed.
func (s *Store) loadOverflow(table, id string) map[string]any {
	overflow := make(map[string]any)
	var raw sql.NullString
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT extra_data FROM %s WHERE id = ?", table), id,
	).Scan(&raw)
	if err != nil || !raw.Valid || raw.String == "" {
		return overflow
	}
	_ = json.Unmarshal([]byte(raw.String), &overflow)
	return overflow
}
