package tenantstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldtally/tally/internal/models"
	"github.com/fieldtally/tally/internal/remote"
)

// ApplyBatch applies a batch of client mutations inside one transaction,
// scoped to the authenticated tenant. Individual operation failures are
// captured per-item and never abort sibling operations; only a
// processor-level fault (begin/commit) fails the batch as a whole.
func (s *Store) ApplyBatch(ctx context.Context, tenantID string, ops []*models.SyncOperation) (*remote.BatchDetails, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	// Parent tables before children, so a location created in the same
	// batch exists before an asset referencing it is inserted.
	sorted := make([]*models.SyncOperation, len(ops))
	copy(sorted, ops)
	sortByDependency(sorted, func(op *models.SyncOperation) string { return op.Table })

	details := &remote.BatchDetails{}
	for _, op := range sorted {
		if err := s.applyOne(ctx, tx, tenantID, op); err != nil {
			s.logger.Warn("operation failed",
				"op_id", op.ID, "table", op.Table, "action", op.Action,
				"tenant", tenantID, "error", err)
			details.Errors = append(details.Errors, remote.OpError{ID: op.ID, Error: err.Error()})
			continue
		}
		details.Results = append(details.Results, remote.OpResult{ID: op.ID, Status: remote.OpStatusSuccess})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch transaction: %w", err)
	}
	return details, nil
}

// applyOne applies a single operation within the batch transaction.
func (s *Store) applyOne(ctx context.Context, tx *sql.Tx, tenantID string, op *models.SyncOperation) error {
	if !allowedTables[op.Table] {
		return fmt.Errorf("table not allowed: %s", op.Table)
	}
	if !op.Action.Valid() {
		return fmt.Errorf("unknown action: %s", op.Action)
	}
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}

	// Idempotency: a redelivered operation id is a no-op success.
	applied, err := s.alreadyApplied(ctx, tx, op.ID)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	switch op.Action {
	case models.ActionInsert:
		err = s.applyInsert(ctx, tx, tenantID, op)
	case models.ActionUpdate:
		err = s.applyUpdate(ctx, tx, tenantID, op)
	case models.ActionDelete:
		err = s.applyDelete(ctx, tx, tenantID, op)
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_applied_ops (op_id, tenant_id) VALUES (?, ?)`,
		op.ID, tenantID)
	if err != nil {
		return fmt.Errorf("record applied op: %w", err)
	}
	return nil
}

func (s *Store) alreadyApplied(ctx context.Context, tx *sql.Tx, opID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM sync_applied_ops WHERE op_id = ?`, opID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied op: %w", err)
	}
	return true, nil
}

func (s *Store) applyInsert(ctx context.Context, tx *sql.Tx, tenantID string, op *models.SyncOperation) error {
	row, overflow := mapPayload(op.Table, op.Payload)

	// The tenant is stamped server-side; a client-supplied value is
	// overwritten unconditionally.
	row["tenant_id"] = tenantID
	delete(overflow, "tenant_id")
	delete(overflow, "tenantId")

	extra, err := mergeOverflow("", overflow)
	if err != nil {
		return fmt.Errorf("serialize overflow: %w", err)
	}
	row["extra_data"] = extra

	exec := func(r map[string]any) error {
		names := sortedKeys(r)
		placeholders := make([]string, len(names))
		args := make([]any, len(names))
		for i, name := range names {
			placeholders[i] = "?"
			args[i] = r[name]
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			op.Table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}

	if err := exec(row); err != nil {
		healed, healErr := s.healForeignKey(op, row, err, exec)
		if healed {
			return healErr
		}
		return fmt.Errorf("insert into %s: %w", op.Table, err)
	}
	return nil
}

func (s *Store) applyUpdate(ctx context.Context, tx *sql.Tx, tenantID string, op *models.SyncOperation) error {
	matchID, err := matchRowID(op)
	if err != nil {
		return err
	}

	row, overflow := mapPayload(op.Table, op.Payload)
	delete(row, "id")        // never reassign the identifier
	delete(row, "tenant_id") // never change the owner
	delete(overflow, "tenantId")

	// Read-merge-write the overflow bucket so a partial update cannot
	// clobber previously stored dynamic attributes.
	if len(overflow) > 0 {
		var existing sql.NullString
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT extra_data FROM %s WHERE id = ? AND tenant_id = ?", op.Table),
			matchID, tenantID).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read overflow: %w", err)
		}
		merged, err := mergeOverflow(existing.String, overflow)
		if err != nil {
			return fmt.Errorf("merge overflow: %w", err)
		}
		row["extra_data"] = merged
	}

	if len(row) == 0 {
		return nil
	}

	exec := func(r map[string]any) error {
		names := sortedKeys(r)
		sets := make([]string, len(names))
		args := make([]any, 0, len(names)+2)
		for i, name := range names {
			sets[i] = name + " = ?"
			args = append(args, r[name])
		}
		args = append(args, matchID, tenantID)
		// The tenant predicate rides along with the client's match: a
		// guessed row id in another tenant affects zero rows.
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND tenant_id = ?",
			op.Table, strings.Join(sets, ", "))
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}

	if err := exec(row); err != nil {
		healed, healErr := s.healForeignKey(op, row, err, exec)
		if healed {
			return healErr
		}
		return fmt.Errorf("update %s: %w", op.Table, err)
	}
	return nil
}

func (s *Store) applyDelete(ctx context.Context, tx *sql.Tx, tenantID string, op *models.SyncOperation) error {
	matchID, err := matchRowID(op)
	if err != nil {
		return err
	}

	// Soft delete preserves audit history.
	query := fmt.Sprintf("UPDATE %s SET is_deleted = 1 WHERE id = ? AND tenant_id = ?", op.Table)
	if _, err := tx.ExecContext(ctx, query, matchID, tenantID); err != nil {
		return fmt.Errorf("delete from %s: %w", op.Table, err)
	}
	return nil
}

// healForeignKey retries a failed write exactly once with the
// location/parent references nulled out. A dangling reference from an
// out-of-order or since-deleted parent must not block the record itself.
// Returns false when the error is not a healable FK violation.
func (s *Store) healForeignKey(op *models.SyncOperation, row map[string]any, cause error, exec func(map[string]any) error) (bool, error) {
	if !isForeignKeyError(cause) {
		return false, nil
	}

	refs := healableRefs[op.Table]
	nulled := false
	for _, ref := range refs {
		if v, ok := row[ref]; ok && v != nil {
			row[ref] = nil
			nulled = true
		}
	}
	if !nulled {
		return false, nil
	}

	s.logger.Warn("foreign key violation, retrying with reference nulled",
		"op_id", op.ID, "table", op.Table, "refs", refs)
	if err := exec(row); err != nil {
		return true, fmt.Errorf("retry with nulled reference: %w", err)
	}
	return true, nil
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint")
}

func matchRowID(op *models.SyncOperation) (string, error) {
	if op.Match == nil {
		return "", fmt.Errorf("%s requires a match predicate", op.Action)
	}
	v, ok := op.Match["id"]
	if !ok || v == nil {
		return "", fmt.Errorf("%s requires match.id", op.Action)
	}
	return fmt.Sprint(v), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
