// Package server implements the tally-server HTTP handlers and middleware.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyToken     contextKey = "token_info"
)

// TokenInfo is the identity a bearer token resolves to. TenantID is the
// only tenant-scoping input the processor trusts.
type TokenInfo struct {
	ID        string `json:"id"`
	TokenHash string `json:"token_hash"`
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"` // "agent" (read-write) or "viewer"
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	UpdateLastUsed(id string) error
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(userID, tenantID, role string) (rawToken string, info *TokenInfo, err error)
}

// requestIDMiddleware generates a UUID per request and adds it to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			reqID, _ := r.Context().Value(contextKeyRequestID).(string)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: 0}
			defer func() {
				if rec := recover(); rec != nil {
					reqID, _ := r.Context().Value(contextKeyRequestID).(string)
					logger.Error("panic recovered", "error", rec, "request_id", reqID)
					if rw.statusCode == 0 {
						writeJSON(rw, http.StatusInternalServerError, map[string]string{
							"error":   "internal_error",
							"message": "internal server error",
						})
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// authMiddleware validates bearer tokens and puts the resolved identity
// in the request context. Everything after this point trusts TokenInfo
// and nothing else for tenant scoping.
func authMiddleware(tokens TokenStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		sem := make(chan struct{}, 20)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error":   "auth_failed",
					"message": "missing or invalid Authorization header",
				})
				return
			}

			rawToken := strings.TrimPrefix(auth, "Bearer ")
			tokenHash := HashToken(rawToken)

			info, err := tokens.GetByHash(tokenHash)
			if err != nil || info == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error":   "auth_failed",
					"message": "invalid token",
				})
				return
			}

			// Async update last_used_at
			select {
			case sem <- struct{}{}:
				go func() {
					defer func() { <-sem }()
					if err := tokens.UpdateLastUsed(info.ID); err != nil {
						logger.Warn("failed to update token last_used_at", "error", err, "token_id", info.ID)
					}
				}()
			default:
				// Drop update if too many in flight
			}

			ctx := context.WithValue(r.Context(), contextKeyToken, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenFromContext returns the authenticated identity, nil when absent.
func tokenFromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(contextKeyToken).(*TokenInfo)
	return info
}

// requireWrite rejects tokens whose role cannot mutate tenant data.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := tokenFromContext(r.Context())
		if info == nil || info.Role == "viewer" {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "forbidden",
				"message": "read-only token cannot perform write operations",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a per-token sliding window rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	done    chan struct{}
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*window),
		limit:   requestsPerMinute,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for k, w := range rl.windows {
				if now.After(w.resetAt) {
					delete(rl.windows, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := ""
		if info := tokenFromContext(r.Context()); info != nil {
			key = info.ID
		}
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		rl.mu.Lock()
		win, ok := rl.windows[key]
		now := time.Now()
		if !ok || now.After(win.resetAt) {
			win = &window{count: 0, resetAt: now.Add(time.Minute)}
			rl.windows[key] = win
		}
		win.count++
		count := win.count
		rl.mu.Unlock()

		if count > rl.limit {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":   "rate_limited",
				"message": "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
