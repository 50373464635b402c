package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fieldtally/tally/internal/remote"
	"github.com/fieldtally/tally/internal/remote/tenantstore"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	MaxBatchSize      int    // operations per sync request
	RequestsPerMinute int    // per-token rate limit
	AdminToken        string // for admin endpoints
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    16 * 1024 * 1024, // 16MB
		MaxBatchSize:      500,
		RequestsPerMinute: 300,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(store *tenantstore.Store, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := authMiddleware(tokens, logger)

	// Execution order: auth -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}
	// Execution order: auth -> requireWrite -> rl -> handler
	withAuthWrite := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireWrite, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DB().PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(tokens, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Sync
	mux.Handle("POST /api/v1/sync", withAuthWrite(makeSyncHandler(store, cfg, logger)))

	// Records (pull)
	mux.Handle("GET /api/v1/records/{table}", withAuth(makeListRecordsHandler(store)))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Sync Handler ---

func makeSyncHandler(store *tenantstore.Store, cfg *ServerConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req remote.ApplyRequest
		if err := readJSON(r, cfg.MaxRequestBody, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
			return
		}

		if req.Operations == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "operations is required"})
			return
		}
		if len(req.Operations) > cfg.MaxBatchSize {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "bad_request",
				"message": fmt.Sprintf("batch exceeds %d operations", cfg.MaxBatchSize),
			})
			return
		}

		info := tokenFromContext(r.Context())
		details, err := store.ApplyBatch(r.Context(), info.TenantID, req.Operations)
		if err != nil {
			// Processor-level fault: the whole batch rolled back.
			logger.Error("batch apply failed", "tenant", info.TenantID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, &remote.ApplyResponse{
			Success:   true,
			Processed: len(details.Results),
			Errors:    len(details.Errors),
			Details:   *details,
		})
	}
}

// --- Records Handler ---

func makeListRecordsHandler(store *tenantstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := r.PathValue("table")
		if !tenantstore.AllowedTable(table) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": fmt.Sprintf("unknown table '%s'", table),
			})
			return
		}

		info := tokenFromContext(r.Context())
		records, err := store.ListRecords(r.Context(), info.TenantID, table)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, &remote.RecordsResponse{Table: table, Records: records})
	}
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin Auth ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "auth_failed", "message": "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Token Handlers ---

func makeAdminCreateTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   string `json:"user_id"`
			TenantID string `json:"tenant_id"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "invalid JSON"})
			return
		}
		if req.TenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "tenant_id is required"})
			return
		}
		if req.Role == "" {
			req.Role = "agent"
		}
		if req.Role != "agent" && req.Role != "viewer" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "role must be 'agent' or 'viewer'"})
			return
		}

		rawToken, info, err := tokens.CreateToken(req.UserID, req.TenantID, req.Role)
		if err != nil {
			logger.Error("create token", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": err.Error()})
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"token":     rawToken,
			"id":        info.ID,
			"user_id":   info.UserID,
			"tenant_id": info.TenantID,
			"role":      info.Role,
		})
	}
}

func makeAdminListTokensHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListTokens()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": err.Error()})
			return
		}

		// Return metadata only, no hashes
		type tokenEntry struct {
			ID       string `json:"id"`
			UserID   string `json:"user_id"`
			TenantID string `json:"tenant_id"`
			Role     string `json:"role"`
		}
		entries := make([]tokenEntry, len(list))
		for i, t := range list {
			entries[i] = tokenEntry{
				ID:       t.ID,
				UserID:   t.UserID,
				TenantID: t.TenantID,
				Role:     t.Role,
			}
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "token ID required"})
			return
		}

		if err := tokens.DeleteToken(id); err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": err.Error()})
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
