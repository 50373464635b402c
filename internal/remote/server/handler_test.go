package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtally/tally/internal/models"
	"github.com/fieldtally/tally/internal/remote"
	"github.com/fieldtally/tally/internal/remote/tenantstore"
)

// memTokenStore is an in-memory TokenStore for handler tests.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*TokenInfo // keyed by token hash
	nextID int
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]*TokenInfo)}
}

func (s *memTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[hash], nil
}

func (s *memTokenStore) UpdateLastUsed(string) error { return nil }

func (s *memTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (s *memTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, t := range s.tokens {
		if t.ID == id {
			delete(s.tokens, hash)
			return nil
		}
	}
	return fmt.Errorf("token '%s' not found", id)
}

func (s *memTokenStore) CreateToken(userID, tenantID, role string) (string, *TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	raw := fmt.Sprintf("tok-%d", s.nextID)
	info := &TokenInfo{
		ID:        fmt.Sprintf("id-%d", s.nextID),
		TokenHash: HashToken(raw),
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
	}
	s.tokens[info.TokenHash] = info
	return raw, info, nil
}

type testEnv struct {
	server *httptest.Server
	tokens *memTokenStore
	store  *tenantstore.Store
}

func newTestEnv(t *testing.T, cfg *ServerConfig) *testEnv {
	t.Helper()

	store, err := tenantstore.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })

	tokens := newMemTokenStore()
	h, cleanup := Handler(store, tokens, cfg, slog.Default())
	t.Cleanup(cleanup)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, tokens: tokens, store: store}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func syncBody(ops ...*models.SyncOperation) *remote.ApplyRequest {
	return &remote.ApplyRequest{Operations: ops}
}

// ==================== Tests ====================

func TestHandler_Healthz(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_SyncRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, "POST", "/api/v1/sync", "", syncBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, "POST", "/api/v1/sync", "bogus-token", syncBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_SyncAppliesBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _, err := env.tokens.CreateToken("u1", "t1", "agent")
	require.NoError(t, err)

	resp := env.request(t, "POST", "/api/v1/sync", token, syncBody(
		&models.SyncOperation{ID: "op1", Table: "assets", Action: models.ActionInsert,
			Payload: map[string]any{"id": "a1", "name": "Laptop"}},
		&models.SyncOperation{ID: "op2", Table: "bogus", Action: models.ActionInsert,
			Payload: map[string]any{"id": "x"}},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[remote.ApplyResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Processed)
	assert.Equal(t, 1, body.Errors)
	require.Len(t, body.Details.Results, 1)
	assert.Equal(t, "op1", body.Details.Results[0].ID)
	require.Len(t, body.Details.Errors, 1)
	assert.Equal(t, "op2", body.Details.Errors[0].ID)
}

func TestHandler_SyncRejectsViewer(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _, err := env.tokens.CreateToken("u1", "t1", "viewer")
	require.NoError(t, err)

	resp := env.request(t, "POST", "/api/v1/sync", token, syncBody())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_SyncBatchSizeLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxBatchSize = 2
	env := newTestEnv(t, cfg)
	token, _, err := env.tokens.CreateToken("u1", "t1", "agent")
	require.NoError(t, err)

	ops := make([]*models.SyncOperation, 3)
	for i := range ops {
		ops[i] = &models.SyncOperation{
			ID: fmt.Sprintf("op%d", i), Table: "assets", Action: models.ActionInsert,
			Payload: map[string]any{"id": fmt.Sprintf("a%d", i)},
		}
	}

	resp := env.request(t, "POST", "/api/v1/sync", token, syncBody(ops...))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ListRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _, err := env.tokens.CreateToken("u1", "t1", "agent")
	require.NoError(t, err)
	otherToken, _, err := env.tokens.CreateToken("u2", "t2", "agent")
	require.NoError(t, err)

	resp := env.request(t, "POST", "/api/v1/sync", token, syncBody(
		&models.SyncOperation{ID: "op1", Table: "assets", Action: models.ActionInsert,
			Payload: map[string]any{"id": "a1", "name": "Laptop", "state": "good"}},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, "GET", "/api/v1/records/assets", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[remote.RecordsResponse](t, resp)
	require.Len(t, body.Records, 1)
	assert.Equal(t, "a1", body.Records[0]["id"])
	// Pull path re-maps to client-native names
	assert.Equal(t, "good", body.Records[0]["state"])

	// Other tenant sees nothing
	resp = env.request(t, "GET", "/api/v1/records/assets", otherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[remote.RecordsResponse](t, resp)
	assert.Empty(t, body.Records)
}

func TestHandler_ListRecordsUnknownTable(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _, err := env.tokens.CreateToken("u1", "t1", "agent")
	require.NoError(t, err)

	resp := env.request(t, "GET", "/api/v1/records/secrets", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_AdminTokens(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.AdminToken = "admin-secret"
	env := newTestEnv(t, cfg)

	// No admin token
	resp := env.request(t, "POST", "/admin/tokens", "", map[string]string{"tenant_id": "t1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Create
	resp = env.request(t, "POST", "/admin/tokens", "admin-secret",
		map[string]string{"user_id": "u1", "tenant_id": "t1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[map[string]any](t, resp)
	assert.NotEmpty(t, created["token"])
	assert.Equal(t, "t1", created["tenant_id"])
	assert.Equal(t, "agent", created["role"]) // default role

	// The fresh token authenticates
	resp = env.request(t, "GET", "/api/v1/records/assets", created["token"].(string), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Missing tenant_id rejected
	resp = env.request(t, "POST", "/admin/tokens", "admin-secret",
		map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Delete
	resp = env.request(t, "DELETE", "/admin/tokens/"+created["id"].(string), "admin-secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_RateLimiting(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RequestsPerMinute = 3
	env := newTestEnv(t, cfg)
	token, _, err := env.tokens.CreateToken("u1", "t1", "agent")
	require.NoError(t, err)

	var last int
	for i := 0; i < 5; i++ {
		resp := env.request(t, "GET", "/api/v1/records/assets", token, nil)
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRecoveryMiddleware_StructuredJSON(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := recoveryMiddleware(slog.Default())(panicky)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["error"])
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("abc")
	h2 := HashToken("abc")
	h3 := HashToken("abd")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64) // sha256 hex
}
