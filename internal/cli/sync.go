package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Flush the sync queue",
	Long: `Flush pending operations to the server immediately.

With --watch, keeps running: probes connectivity on an interval and
drains the queue whenever the server comes back.

Examples:
  tally sync
  tally sync --watch`,
	Run: runSync,
}

var syncWatch bool

func init() {
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "keep running and sync on reconnect")
}

func runSync(cmd *cobra.Command, args []string) {
	c := initFullContext()
	defer c.Close()

	if syncWatch {
		runSyncWatch(c)
		return
	}

	ctx := context.Background()
	result, err := c.Manager.ProcessQueue(ctx, true)
	if errors.Is(err, sync.ErrAuthRequired) {
		exitError("authentication failed — run 'tally remote set-token' and sync again")
	}
	if err != nil {
		exitError("%v", err)
	}

	printDrainResult(result)
}

func runSyncWatch(c *cmdContext) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Manager.Subscribe(func(online bool, queued int) {
		state := "offline"
		if online {
			state = "online"
		}
		fmt.Printf("[%s] %d pending\n", state, queued)
	})

	watcher := sync.NewWatcher(c.Client, c.Manager, c.probeInterval(), c.Logger)
	watcher.Start(ctx)
	defer watcher.Stop()

	fmt.Println("Watching for connectivity, Ctrl-C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nStopping.")
}

func printDrainResult(result *sync.DrainResult) {
	if result.Skipped {
		fmt.Println("Sync already in progress")
		return
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	if result.Synced > 0 {
		green.Printf("Synced %d operation(s)\n", result.Synced)
	}
	if result.Discarded > 0 {
		red.Printf("Discarded %d rejected operation(s)\n", result.Discarded)
	}
	if result.Evicted > 0 {
		red.Printf("Evicted %d operation(s) after repeated failures\n", result.Evicted)
	}
	if result.Failed > 0 {
		yellow.Printf("%d operation(s) failed, will retry\n", result.Failed)
	}

	if result.Remaining == 0 {
		green.Println("Queue is empty, everything is up to date")
	} else {
		fmt.Printf("%d operation(s) still pending\n", result.Remaining)
	}
}
