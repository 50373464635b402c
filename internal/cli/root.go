// Package cli implements the command-line interface for tally.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/config"
	"github.com/fieldtally/tally/internal/remote"
	"github.com/fieldtally/tally/internal/store"
	"github.com/fieldtally/tally/internal/sync"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config  *config.Config
	Store   *store.Store
	Client  remote.RemoteClient
	Manager *sync.Manager
	Logger  *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// cliLogger returns a logger for CLI runs. Warnings and errors only,
// unless TALLY_DEBUG is set.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("TALLY_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initContext initializes config and store (no network client)
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to open store: %v", err)
	}

	if err := st.Initialize(); err != nil {
		st.Close()
		exitError("failed to initialize store: %v", err)
	}

	return &cmdContext{Config: cfg, Store: st, Logger: cliLogger()}
}

// initFullContext initializes config, store, remote client, and the sync
// manager. The server URL must be configured.
func initFullContext() *cmdContext {
	c := initContext()

	if c.Config.ServerURL == "" {
		c.Close()
		exitError("no server configured — run 'tally remote set-url <url>'")
	}

	c.Client = newClient(c.Config)
	c.Manager = sync.NewManager(c.Store, c.Client, c.Logger)

	return c
}

// newClient builds the transport stack: HTTP client wrapped with
// transient-error retry.
func newClient(cfg *config.Config) remote.RemoteClient {
	return remote.NewRetryClient(
		remote.NewHTTPClient(cfg.ServerURL, cfg.Token), nil)
}

// probeInterval returns the configured connectivity probe period.
func (c *cmdContext) probeInterval() time.Duration {
	if c.Config.ProbeInterval > 0 {
		return time.Duration(c.Config.ProbeInterval) * time.Second
	}
	return sync.DefaultProbeInterval
}

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Offline-first asset inventory",
	Long: `Tally is an offline-first inventory tool for tracking physical assets.
Every change is applied locally first and synchronized to the server
when connectivity allows, so field work never blocks on the network.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// reportWrite prints the outcome of a queued or direct write.
func reportWrite(res sync.WriteResult, did string) {
	if res.Err != nil {
		exitError("%s, but queueing for sync failed: %v", did, res.Err)
	}
	if res.Offline {
		fmt.Printf("%s (queued for sync)\n", did)
	} else {
		fmt.Printf("%s (synced)\n", did)
	}
}
