// Package sync implements the client-side synchronization engine: the
// single authority for whether a mutation is in flight, queued, or done.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtally/tally/internal/models"
	"github.com/fieldtally/tally/internal/remote"
	"github.com/fieldtally/tally/internal/store"
)

// ErrAuthRequired signals that the drain stopped because the server
// rejected the credential. The queue is left untouched; sync resumes
// once the surrounding application re-establishes auth.
var ErrAuthRequired = errors.New("authentication required")

// DefaultRetryCeiling is the poison-pill eviction threshold: an item
// whose retry count exceeds it is dropped from the queue.
const DefaultRetryCeiling = 5

// Subscriber receives queue-state notifications after every
// state-changing event.
type Subscriber func(online bool, queued int)

// WriteResult is what the presentation layer sees from Execute. Success
// refers to local durability (a write always succeeds locally); Offline
// reports that it was queued instead of applied remotely.
type WriteResult struct {
	Success bool
	Offline bool
	Err     error
}

// DrainResult summarizes one ProcessQueue pass.
type DrainResult struct {
	Synced    int
	Discarded int
	Evicted   int
	Failed    int
	Remaining int
	Skipped   bool // drain was a no-op (already in progress, or offline)
}

// Manager coordinates the local store, the durable mutation queue, and
// the remote endpoint. The queue is mutated only here, under the
// single-flight drain rule.
type Manager struct {
	store        *store.Store
	client       remote.RemoteClient
	logger       *slog.Logger
	retryCeiling int

	online   atomic.Bool
	draining atomic.Bool

	mu          sync.Mutex
	subscribers []Subscriber
}

// NewManager creates a sync manager. The manager starts in the online
// state; the connectivity watcher corrects it on the first probe.
func NewManager(st *store.Store, client remote.RemoteClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:        st,
		client:       client,
		logger:       logger,
		retryCeiling: DefaultRetryCeiling,
	}
	m.online.Store(true)
	return m
}

// Subscribe registers a listener for queue length and online state.
// The listener is notified immediately with the current state.
func (m *Manager) Subscribe(fn Subscriber) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()

	n, _ := m.store.QueueLength()
	fn(m.online.Load(), n)
}

func (m *Manager) notify() {
	n, _ := m.store.QueueLength()
	online := m.online.Load()

	m.mu.Lock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online, n)
	}
}

// Online reports the manager's current connectivity belief.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// QueueLength returns the number of pending operations.
func (m *Manager) QueueLength() int {
	n, _ := m.store.QueueLength()
	return n
}

// SetOnline records a connectivity transition. An offline→online
// transition triggers a drain.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	was := m.online.Swap(online)
	if online && !was {
		m.logger.Info("connectivity restored, draining queue")
		go func() {
			if _, err := m.ProcessQueue(ctx, false); err != nil && !errors.Is(err, ErrAuthRequired) {
				m.logger.Warn("drain after reconnect failed", "error", err)
			}
		}()
	}
	if online != was {
		m.notify()
	}
}

// Execute persists a mutation locally and either applies it remotely
// right away or appends it to the durable queue. The local write happens
// first and unconditionally: a refresh can never lose data even when the
// network path fails.
//
// The direct fast path is taken only when the manager believes it is
// online and the queue is empty; a non-empty queue always enqueues so an
// older write cannot be overtaken. Any direct-attempt failure falls back
// to the queue.
func (m *Manager) Execute(ctx context.Context, table string, action models.Action, payload, match map[string]any) WriteResult {
	if match == nil {
		if id, ok := payload["id"]; ok && id != nil {
			match = map[string]any{"id": id}
		}
	}

	if err := m.persistLocal(table, action, payload, match); err != nil {
		// Losing the optimistic local write would be worse than losing
		// sync visibility; log and continue with the remote path.
		m.logger.Error("local persist failed", "table", table, "action", action, "error", err)
	}

	queueLen, _ := m.store.QueueLength()
	if m.online.Load() && queueLen == 0 {
		op := &models.SyncOperation{
			ID:        uuid.New().String(),
			Table:     table,
			Action:    action,
			Payload:   payload,
			Match:     match,
			Timestamp: time.Now(),
		}
		_, err := m.client.ApplyBatch(ctx, &remote.ApplyRequest{
			Operations: []*models.SyncOperation{op},
		})
		if err == nil {
			return WriteResult{Success: true}
		}
		m.logger.Warn("direct sync failed, falling back to queue",
			"table", table, "action", action, "error", err)
		// Re-enqueue under the same id so a server that applied the
		// ambiguous attempt treats replay as a no-op.
		if qerr := m.enqueue(op); qerr != nil {
			m.logger.Error("enqueue failed", "table", table, "action", action, "error", qerr)
			return WriteResult{Success: true, Offline: true, Err: qerr}
		}
		m.notify()
		return WriteResult{Success: true, Offline: true}
	}

	op := &models.SyncOperation{
		ID:        uuid.New().String(),
		Table:     table,
		Action:    action,
		Payload:   payload,
		Match:     match,
		Timestamp: time.Now(),
	}
	if err := m.enqueue(op); err != nil {
		m.logger.Error("enqueue failed", "table", table, "action", action, "error", err)
		return WriteResult{Success: true, Offline: true, Err: err}
	}
	m.notify()
	return WriteResult{Success: true, Offline: true}
}

func (m *Manager) enqueue(op *models.SyncOperation) error {
	op.Status = models.StatusPending
	return m.store.AppendOperation(op)
}

// persistLocal writes the mutation to the embedded store.
func (m *Manager) persistLocal(table string, action models.Action, payload, match map[string]any) error {
	switch action {
	case models.ActionInsert:
		return m.store.SaveRecord(m.logger, table, payload)
	case models.ActionUpdate:
		return m.store.UpdateRecord(m.logger, table, payload, match)
	case models.ActionDelete:
		return m.store.DeleteRecord(table, match)
	}
	return nil
}

// ProcessQueue drains the durable queue against the remote endpoint in
// original enqueue order. Re-entrant calls while a drain is in progress
// are no-ops. force bypasses the online guard for diagnostic replay.
func (m *Manager) ProcessQueue(ctx context.Context, force bool) (*DrainResult, error) {
	if !m.draining.CompareAndSwap(false, true) {
		return &DrainResult{Skipped: true}, nil
	}
	defer m.draining.Store(false)

	if !m.online.Load() && !force {
		return &DrainResult{Skipped: true}, nil
	}

	ops, err := m.store.ListQueue()
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return &DrainResult{}, nil
	}

	m.logger.Info("draining sync queue", "items", len(ops), "forced", force)

	result := &DrainResult{}
	var drainErr error

	for _, op := range ops {
		// Poison-pill eviction: protect queue liveness from an item
		// that keeps failing.
		if op.RetryCount > m.retryCeiling {
			m.logger.Error("evicting operation after repeated failures",
				"op_id", op.ID, "table", op.Table, "retries", op.RetryCount)
			if err := m.store.RemoveOperation(op.ID); err != nil {
				return nil, err
			}
			result.Evicted++
			continue
		}

		_ = m.store.SetOperationStatus(op.ID, models.StatusSyncing)

		_, err := m.client.ApplyBatch(ctx, &remote.ApplyRequest{
			Operations: []*models.SyncOperation{op},
		})

		switch classify(err) {
		case outcomeSuccess:
			if err := m.store.RemoveOperation(op.ID); err != nil {
				return nil, err
			}
			result.Synced++

		case outcomeAuthExpired:
			// Retrying the rest without fixing auth is pure waste.
			// Leave this and every later item untouched.
			_ = m.store.SetOperationStatus(op.ID, models.StatusPending)
			m.logger.Warn("authentication expired, pausing drain", "op_id", op.ID)
			drainErr = ErrAuthRequired

		case outcomeRejected:
			// The server classified the payload as structurally
			// invalid; an unchanged retry cannot succeed.
			m.logger.Error("operation rejected by server, discarding",
				"op_id", op.ID, "table", op.Table, "error", err)
			if err := m.store.RemoveOperation(op.ID); err != nil {
				return nil, err
			}
			result.Discarded++

		case outcomeRetryable:
			if err := m.store.IncrementRetry(op.ID); err != nil {
				return nil, err
			}
			// Evict in the same drain that pushes the count past the
			// ceiling; the item must not survive into another pass.
			if op.RetryCount+1 > m.retryCeiling {
				m.logger.Error("evicting operation after repeated failures",
					"op_id", op.ID, "table", op.Table, "retries", op.RetryCount+1)
				if err := m.store.RemoveOperation(op.ID); err != nil {
					return nil, err
				}
				result.Evicted++
				break
			}
			m.logger.Warn("operation failed, will retry",
				"op_id", op.ID, "table", op.Table, "error", err)
			result.Failed++
		}

		if drainErr != nil {
			break
		}
	}

	result.Remaining, _ = m.store.QueueLength()
	m.logger.Info("drain finished",
		"synced", result.Synced, "discarded", result.Discarded,
		"evicted", result.Evicted, "failed", result.Failed,
		"remaining", result.Remaining)

	m.notify()
	return result, drainErr
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeAuthExpired
	outcomeRejected
	outcomeRetryable
)

// classify maps a submission error to its drain outcome. Network errors,
// timeouts, and 5xx are retryable; 401 pauses the drain; any other 4xx
// is a terminal rejection.
func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	var re *remote.RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Status == http.StatusUnauthorized:
			return outcomeAuthExpired
		case re.Status >= 400 && re.Status < 500 && re.Status != http.StatusTooManyRequests:
			return outcomeRejected
		}
	}
	return outcomeRetryable
}
