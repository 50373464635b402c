package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long:  `Show connectivity, pending queue depth, and per-item retry state.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if c.Config.ServerURL == "" {
		fmt.Println("No server configured")
	} else {
		fmt.Printf("Server: %s\n", c.Config.ServerURL)

		full := initFullContextFrom(c)
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := full.Client.Ping(probeCtx)
		cancel()

		if err == nil {
			green.Println("Status: online")
		} else {
			red.Println("Status: offline")
		}
	}

	ops, err := c.Store.ListQueue()
	if err != nil {
		exitError("%v", err)
	}

	if len(ops) == 0 {
		fmt.Println("\nSync queue is empty, everything is up to date")
		return
	}

	fmt.Printf("\nPending operations (%d):\n", len(ops))
	for _, op := range ops {
		line := fmt.Sprintf("  %s  %-6s %-18s", shortID(op.ID), op.Action, op.Table)
		if op.RetryCount > 0 {
			yellow.Printf("%s retries: %d\n", line, op.RetryCount)
		} else {
			fmt.Println(line)
		}
	}

	fmt.Println("\nRun 'tally sync' to flush the queue now.")
}

// initFullContextFrom attaches a remote client to an already-open context.
func initFullContextFrom(c *cmdContext) *cmdContext {
	if c.Client == nil {
		c.Client = newClient(c.Config)
	}
	return c
}
