package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldtally/tally/internal/store"
)

var pullCmd = &cobra.Command{
	Use:   "pull [table...]",
	Short: "Download records from the server",
	Long: `Download the tenant's records into the local store. Without
arguments, pulls every table.

Local records are overwritten by the server's copy; pending queued
changes are not affected and will still be pushed on the next sync.

Examples:
  tally pull
  tally pull assets locations`,
	Run: runPull,
}

// pullTables is the default pull set, parents first so foreign
// references resolve locally.
var pullTables = []string{"locations", "users", "suppliers", "assets", "movements", "inventory_sessions"}

func runPull(cmd *cobra.Command, args []string) {
	c := initFullContext()
	defer c.Close()

	tables := pullTables
	if len(args) > 0 {
		for _, t := range args {
			if !store.KnownTable(t) {
				exitError("unknown table '%s'", t)
			}
		}
		tables = args
	}

	ctx := context.Background()
	counts := make(map[string]int, len(tables))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, table := range tables {
		g.Go(func() error {
			records, err := c.Client.ListRecords(gctx, table)
			if err != nil {
				return fmt.Errorf("pull %s: %w", table, err)
			}

			for _, rec := range records {
				if err := c.Store.SaveRecord(c.Logger, table, rec); err != nil {
					return fmt.Errorf("save %s record: %w", table, err)
				}
			}

			mu.Lock()
			counts[table] = len(records)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		exitError("%v", err)
	}

	total := 0
	for _, table := range tables {
		fmt.Printf("  %-20s %d record(s)\n", table, counts[table])
		total += counts[table]
	}
	fmt.Printf("Pulled %d record(s)\n", total)
}
