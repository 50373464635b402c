package store

import (
	"encoding/json"
	"fmt"

	"github.com/fieldtally/tally/internal/models"
)

// AppendOperation durably appends a mutation to the sync queue. The
// write is committed before return, so an abrupt process termination
// never loses an acknowledged append. Re-appending an existing operation
// id is a no-op (dedup on the idempotency key).
func (s *Store) AppendOperation(op *models.SyncOperation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	match, err := json.Marshal(op.Match)
	if err != nil {
		return fmt.Errorf("marshal match: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO sync_queue (id, table_name, action, payload, match_json, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Table, string(op.Action), string(payload), string(match), string(op.Status), op.RetryCount)
	if err != nil {
		return fmt.Errorf("append operation %s: %w", op.ID, err)
	}
	return nil
}

// ListQueue returns all queued operations in original enqueue order.
func (s *Store) ListQueue() ([]*models.SyncOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, table_name, action, payload, match_json, created_at, status, retry_count
		FROM sync_queue ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		var op models.SyncOperation
		var action, payload, createdAt, status string
		var match []byte
		if err := rows.Scan(&op.ID, &op.Table, &action, &payload, &match, &createdAt, &status, &op.RetryCount); err != nil {
			return nil, err
		}
		op.Action = models.Action(action)
		op.Status = models.OpStatus(status)
		op.Timestamp = parseTimestamp(createdAt)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for %s: %w", op.ID, err)
		}
		if len(match) > 0 {
			_ = json.Unmarshal(match, &op.Match)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// QueueLength returns the number of pending operations.
func (s *Store) QueueLength() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}

// RemoveOperation discards a queue entry by operation id.
func (s *Store) RemoveOperation(id string) error {
	_, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// IncrementRetry bumps the retry counter after a retryable failure and
// resets the entry to PENDING for the next drain.
func (s *Store) IncrementRetry(id string) error {
	_, err := s.db.Exec(`
		UPDATE sync_queue SET retry_count = retry_count + 1, status = ?
		WHERE id = ?
	`, string(models.StatusPending), id)
	return err
}

// SetOperationStatus updates the client-local lifecycle state.
func (s *Store) SetOperationStatus(id string, status models.OpStatus) error {
	_, err := s.db.Exec(`UPDATE sync_queue SET status = ? WHERE id = ?`, string(status), id)
	return err
}
