// Command tally-server runs the tally remote server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldtally/tally/internal/remote/server"
	"github.com/fieldtally/tally/internal/remote/tenantstore"
)

func main() {
	listen := flag.String("listen", envOrDefault("TALLY_LISTEN", "0.0.0.0:8730"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("TALLY_DATA_DIR", "/var/lib/tally-server"), "Data directory")
	adminToken := flag.String("admin-token", os.Getenv("TALLY_ADMIN_TOKEN"), "Admin API token")
	logLevel := flag.String("log-level", envOrDefault("TALLY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("TALLY_LOG_FORMAT", "json"), "Log format (json, text)")
	logFile := flag.String("log-file", os.Getenv("TALLY_LOG_FILE"), "Log file path (rotated); stdout when empty")
	tlsCert := flag.String("tls-cert", os.Getenv("TALLY_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("TALLY_TLS_KEY"), "TLS key file")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if *logFile != "" {
		out = &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(handler)

	// Validate data dir
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", *dataDir)
		os.Exit(1)
	}

	// Tenant store
	store, err := tenantstore.Open(filepath.Join(*dataDir, "tally.db"), logger)
	if err != nil {
		logger.Error("failed to open tenant store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Initialize(); err != nil {
		logger.Error("failed to initialize tenant store", "error", err)
		os.Exit(1)
	}

	// Token store (in-memory, loaded from JSON file)
	tokens := newFileTokenStore(filepath.Join(*dataDir, "tokens.json"), logger)
	if err := tokens.Load(); err != nil {
		logger.Warn("no token store loaded, creating empty", "error", err)
	}

	// Server config
	cfg := server.DefaultServerConfig()
	cfg.AdminToken = *adminToken

	// Handler
	h, handlerCleanup := server.Handler(store, tokens, cfg, logger)
	defer handlerCleanup()

	// HTTP server
	srv := &http.Server{
		Addr:         *listen,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting tally-server", "listen", *listen, "data_dir", *dataDir)
		var err error
		if *tlsCert != "" && *tlsKey != "" {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// fileTokenStore is a JSON-file-based token store.
type fileTokenStore struct {
	path   string
	mu     sync.RWMutex
	tokens map[string]*server.TokenInfo // keyed by token_hash
	logger *slog.Logger
}

func newFileTokenStore(path string, logger *slog.Logger) *fileTokenStore {
	return &fileTokenStore{
		path:   path,
		tokens: make(map[string]*server.TokenInfo),
		logger: logger,
	}
}

func (s *fileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var tokens []*server.TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]*server.TokenInfo)
	for _, t := range tokens {
		s.tokens[t.TokenHash] = t
	}

	s.logger.Info("loaded tokens", "count", len(tokens))
	return nil
}

func (s *fileTokenStore) GetByHash(hash string) (*server.TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.tokens[hash]
	if !ok {
		return nil, nil
	}
	return info, nil
}

func (s *fileTokenStore) UpdateLastUsed(_ string) error {
	return nil
}

func (s *fileTokenStore) Save() error {
	s.mu.RLock()
	tokens := make([]*server.TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	return os.WriteFile(s.path, data, 0600)
}

func (s *fileTokenStore) CreateToken(userID, tenantID, role string) (string, *server.TokenInfo, error) {
	rawToken := fmt.Sprintf("tly_%s", generateID())
	tokenHash := server.HashToken(rawToken)

	info := &server.TokenInfo{
		ID:        generateID(),
		TokenHash: tokenHash,
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
	}

	s.mu.Lock()
	s.tokens[tokenHash] = info
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return "", nil, fmt.Errorf("persist token: %w", err)
	}

	return rawToken, info, nil
}

func (s *fileTokenStore) ListTokens() ([]*server.TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]*server.TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func (s *fileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	found := false
	for hash, t := range s.tokens {
		if t.ID == id {
			delete(s.tokens, hash)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("token '%s' not found", id)
	}

	return s.Save()
}

func generateID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
