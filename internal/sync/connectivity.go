package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldtally/tally/internal/remote"
)

// DefaultProbeInterval is how often the watcher pings the server when no
// interval is configured.
const DefaultProbeInterval = 15 * time.Second

// Watcher periodically probes the server's health endpoint and reports
// connectivity transitions to the sync manager. The probe is a cheap
// unauthenticated GET; its outcome is the sole input to the online flag.
type Watcher struct {
	client   remote.RemoteClient
	manager  *Manager
	logger   *slog.Logger
	interval time.Duration
	done     chan struct{}
}

// NewWatcher creates a connectivity watcher. interval <= 0 selects the
// default probe interval.
func NewWatcher(client remote.RemoteClient, manager *Manager, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:   client,
		manager:  manager,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start probes immediately, then on every tick until Stop or context
// cancellation.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		w.probe(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.probe(ctx)
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (w *Watcher) Stop() {
	close(w.done)
}

// Probe runs a single connectivity check and updates the manager.
// It returns the observed state.
func (w *Watcher) Probe(ctx context.Context) bool {
	return w.probe(ctx)
}

func (w *Watcher) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := w.client.Ping(probeCtx)
	online := err == nil
	if !online {
		w.logger.Debug("connectivity probe failed", "error", err)
	}
	w.manager.SetOnline(ctx, online)
	return online
}
