package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/models"
	"github.com/fieldtally/tally/internal/store"
)

var removeCmd = &cobra.Command{
	Use:     "remove <table> <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a record",
	Long: `Remove a record from the inventory. The record disappears from the
local store; on the server it is retained as deleted for audit history.

Examples:
  tally remove assets 3f2a91bc
  tally rm locations 7cc14d20`,
	Args: cobra.ExactArgs(2),
	Run:  runRemove,
}

func runRemove(cmd *cobra.Command, args []string) {
	table, id := args[0], args[1]
	if !store.KnownTable(table) {
		exitError("unknown table '%s'", table)
	}

	c := initFullContext()
	defer c.Close()

	id = resolveID(c, table, id)

	match := map[string]any{"id": id}
	res := c.Manager.Execute(context.Background(), table, models.ActionDelete, nil, match)
	reportWrite(res, fmt.Sprintf("Removed %s %s", singular(table), shortID(id)))
}
