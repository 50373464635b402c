package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtally/tally/internal/models"
	"github.com/fieldtally/tally/internal/remote"
	"github.com/fieldtally/tally/internal/store"
)

// fakeRemote scripts per-operation responses for drain tests. errByID
// maps an operation id to the error its submission returns; unlisted ids
// succeed.
type fakeRemote struct {
	mu       sync.Mutex
	errByID  map[string]error
	applied  []string
	pingErr  error
	applyAll error // when set, every submission fails with this
}

func (f *fakeRemote) ApplyBatch(ctx context.Context, req *remote.ApplyRequest) (*remote.ApplyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.applyAll != nil {
		return nil, f.applyAll
	}
	for _, op := range req.Operations {
		if err, ok := f.errByID[op.ID]; ok {
			return nil, err
		}
		f.applied = append(f.applied, op.ID)
	}
	return &remote.ApplyResponse{Success: true, Processed: len(req.Operations)}, nil
}

func (f *fakeRemote) ListRecords(ctx context.Context, table string) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeRemote) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applied))
	copy(out, f.applied)
	return out
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeRemote) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })

	client := &fakeRemote{errByID: make(map[string]error)}
	m := NewManager(st, client, slog.Default())
	return m, st, client
}

func enqueueN(t *testing.T, st *store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, st.AppendOperation(&models.SyncOperation{
			ID: id, Table: "assets", Action: models.ActionInsert,
			Payload: map[string]any{"id": "rec-" + id, "name": "thing"},
		}))
	}
}

func remoteErr(status int) error {
	return &remote.RemoteError{Code: "err", Message: "scripted", Status: status}
}

// ==================== Execute Tests ====================

func TestExecute_FastPathWhenOnlineAndQueueEmpty(t *testing.T) {
	m, st, client := newTestManager(t)

	res := m.Execute(context.Background(), "assets", models.ActionInsert,
		map[string]any{"id": "a1", "name": "Laptop"}, nil)

	assert.True(t, res.Success)
	assert.False(t, res.Offline)
	assert.Len(t, client.appliedIDs(), 1)

	n, _ := st.QueueLength()
	assert.Equal(t, 0, n)

	// Local store has the record regardless of sync outcome
	rec, err := st.GetRecord("assets", "a1")
	require.NoError(t, err)
	assert.Equal(t, "Laptop", rec["name"])
}

func TestExecute_QueuesWhenOffline(t *testing.T) {
	m, st, client := newTestManager(t)
	m.SetOnline(context.Background(), false)

	res := m.Execute(context.Background(), "assets", models.ActionInsert,
		map[string]any{"id": "a1", "name": "Laptop"}, nil)

	assert.True(t, res.Success)
	assert.True(t, res.Offline)
	assert.Empty(t, client.appliedIDs())

	n, _ := st.QueueLength()
	assert.Equal(t, 1, n)

	// Record is still visible locally
	rec, err := st.GetRecord("assets", "a1")
	require.NoError(t, err)
	assert.Equal(t, "Laptop", rec["name"])
}

func TestExecute_QueuesWhenQueueNonEmpty(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "older")

	// Online, but an older write is pending: ordering demands the queue.
	res := m.Execute(context.Background(), "assets", models.ActionUpdate,
		map[string]any{"name": "v2"}, map[string]any{"id": "rec-older"})

	assert.True(t, res.Offline)
	assert.Empty(t, client.appliedIDs())

	n, _ := st.QueueLength()
	assert.Equal(t, 2, n)
}

func TestExecute_DirectFailureFallsBackToQueue(t *testing.T) {
	m, st, client := newTestManager(t)
	client.applyAll = remoteErr(http.StatusInternalServerError)

	res := m.Execute(context.Background(), "assets", models.ActionInsert,
		map[string]any{"id": "a1", "name": "Laptop"}, nil)

	assert.True(t, res.Success)
	assert.True(t, res.Offline)

	n, _ := st.QueueLength()
	assert.Equal(t, 1, n)
}

func TestExecute_FastPathEnqueueFailureLogged(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Initialize())

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	client := &fakeRemote{errByID: make(map[string]error), applyAll: remoteErr(http.StatusInternalServerError)}
	m := NewManager(st, client, logger)

	// Closed store: the direct attempt fails and the fallback enqueue
	// cannot persist either.
	require.NoError(t, st.Close())

	res := m.Execute(context.Background(), "assets", models.ActionInsert,
		map[string]any{"id": "a1", "name": "Laptop"}, nil)

	assert.True(t, res.Offline)
	assert.Error(t, res.Err)
	assert.Contains(t, buf.String(), "enqueue failed")
}

func TestExecute_DefaultsMatchFromPayloadID(t *testing.T) {
	m, st, _ := newTestManager(t)
	m.SetOnline(context.Background(), false)

	m.Execute(context.Background(), "assets", models.ActionUpdate,
		map[string]any{"id": "a1", "name": "v2"}, nil)

	ops, err := st.ListQueue()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "a1", ops[0].Match["id"])
}

// ==================== Drain Tests ====================

func TestProcessQueue_DrainsInOrder(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "op1", "op2", "op3")

	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Synced)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, []string{"op1", "op2", "op3"}, client.appliedIDs())
}

func TestProcessQueue_OfflineIsNoop(t *testing.T) {
	m, st, client := newTestManager(t)
	m.SetOnline(context.Background(), false)
	enqueueN(t, st, "op1")

	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, client.appliedIDs())
}

func TestProcessQueue_ForceBypassesOfflineGuard(t *testing.T) {
	m, st, client := newTestManager(t)
	m.SetOnline(context.Background(), false)
	enqueueN(t, st, "op1")

	result, err := m.ProcessQueue(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Len(t, client.appliedIDs(), 1)
}

func TestProcessQueue_AuthFailurePausesDrain(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "op1", "op2", "op3")
	client.errByID["op2"] = remoteErr(http.StatusUnauthorized)

	result, err := m.ProcessQueue(context.Background(), false)
	assert.ErrorIs(t, err, ErrAuthRequired)

	// op1 synced, op2 and op3 untouched
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, []string{"op1"}, client.appliedIDs())

	ops, _ := st.ListQueue()
	require.Len(t, ops, 2)
	assert.Equal(t, "op2", ops[0].ID)
	assert.Equal(t, "op3", ops[1].ID)
	// No retry counted: the item did not fail, auth did
	assert.Equal(t, 0, ops[0].RetryCount)
}

func TestProcessQueue_RejectionDiscardsItem(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "op1", "op2", "op3")
	client.errByID["op2"] = remoteErr(http.StatusBadRequest)

	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)

	// Siblings unaffected by the rejection
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, []string{"op1", "op3"}, client.appliedIDs())
}

func TestProcessQueue_TransientFailureIncrementsRetry(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "op1")
	client.errByID["op1"] = remoteErr(http.StatusInternalServerError)

	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining)

	ops, _ := st.ListQueue()
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)

	// Network-style errors count as transient too
	client.errByID["op1"] = errors.New("dial tcp: connection refused")
	_, err = m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)

	ops, _ = st.ListQueue()
	assert.Equal(t, 2, ops[0].RetryCount)
}

func TestProcessQueue_429IsRetryableNotRejected(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "op1")
	client.errByID["op1"] = remoteErr(http.StatusTooManyRequests)

	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Discarded)

	n, _ := st.QueueLength()
	assert.Equal(t, 1, n)
}

func TestProcessQueue_PoisonPillEviction(t *testing.T) {
	m, st, client := newTestManager(t)
	enqueueN(t, st, "op1", "op2")
	client.errByID["op1"] = remoteErr(http.StatusServiceUnavailable)

	// Five retryable failures: the item stays queued
	for i := 0; i < DefaultRetryCeiling; i++ {
		result, err := m.ProcessQueue(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 0, result.Evicted)
	}

	ops, _ := st.ListQueue()
	require.Len(t, ops, 1) // op2 synced on the first pass
	assert.Equal(t, "op1", ops[0].ID)
	assert.Equal(t, DefaultRetryCeiling, ops[0].RetryCount)

	// The sixth failure pushes the count past the ceiling: evicted in
	// this drain, not the next one.
	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Remaining)

	ops, _ = st.ListQueue()
	assert.Empty(t, ops)
}

func TestProcessQueue_EvictsOverCeilingWithoutAttempt(t *testing.T) {
	m, st, client := newTestManager(t)

	// An entry already past the ceiling (e.g. written by an older build)
	// is dropped before any submission.
	require.NoError(t, st.AppendOperation(&models.SyncOperation{
		ID: "op1", Table: "assets", Action: models.ActionInsert,
		Payload:    map[string]any{"id": "a1"},
		RetryCount: DefaultRetryCeiling + 1,
	}))

	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)
	assert.Empty(t, client.appliedIDs())
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	m, st, _ := newTestManager(t)
	enqueueN(t, st, "op1")

	m.draining.Store(true)
	result, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	m.draining.Store(false)

	result, err = m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

// ==================== Subscription Tests ====================

func TestSubscribe_NotifiedOnStateChange(t *testing.T) {
	m, st, _ := newTestManager(t)
	enqueueN(t, st, "op1")

	var mu sync.Mutex
	var states []int
	m.Subscribe(func(online bool, queued int) {
		mu.Lock()
		states = append(states, queued)
		mu.Unlock()
	})

	// Immediate notification on subscribe
	mu.Lock()
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0])
	mu.Unlock()

	_, err := m.ProcessQueue(context.Background(), false)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 0, states[len(states)-1])
	mu.Unlock()
}

func TestClassify(t *testing.T) {
	assert.Equal(t, outcomeSuccess, classify(nil))
	assert.Equal(t, outcomeAuthExpired, classify(remoteErr(http.StatusUnauthorized)))
	assert.Equal(t, outcomeRejected, classify(remoteErr(http.StatusBadRequest)))
	assert.Equal(t, outcomeRejected, classify(remoteErr(http.StatusConflict)))
	assert.Equal(t, outcomeRetryable, classify(remoteErr(http.StatusTooManyRequests)))
	assert.Equal(t, outcomeRetryable, classify(remoteErr(http.StatusInternalServerError)))
	assert.Equal(t, outcomeRetryable, classify(errors.New("connection reset")))
}
