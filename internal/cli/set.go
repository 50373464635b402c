package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/models"
	"github.com/fieldtally/tally/internal/store"
)

var setCmd = &cobra.Command{
	Use:   "set <table> <id> --field key=value [--field ...]",
	Short: "Update fields on a record",
	Long: `Update one or more fields on an existing record. Unmentioned fields
are left untouched.

Examples:
  tally set assets 3f2a91bc --field state=damaged
  tally set assets 3f2a91bc --field locationId=7cc1 --field value=850
  tally set locations 7cc1 --field name="Warehouse B (annex)"`,
	Args: cobra.ExactArgs(2),
	Run:  runSet,
}

var setFields []string

func init() {
	setCmd.Flags().StringArrayVar(&setFields, "field", nil, "attribute as key=value (repeatable)")
}

func runSet(cmd *cobra.Command, args []string) {
	table, id := args[0], args[1]
	if !store.KnownTable(table) {
		exitError("unknown table '%s'", table)
	}
	if len(setFields) == 0 {
		exitError("nothing to update — pass at least one --field")
	}

	c := initFullContext()
	defer c.Close()

	id = resolveID(c, table, id)

	payload, err := parseFields(setFields)
	if err != nil {
		exitError("%v", err)
	}
	delete(payload, "id")

	match := map[string]any{"id": id}
	res := c.Manager.Execute(context.Background(), table, models.ActionUpdate, payload, match)
	reportWrite(res, fmt.Sprintf("Updated %s %s", singular(table), shortID(id)))
}

// resolveID expands an id prefix to the full record id when the prefix
// matches exactly one local record.
func resolveID(c *cmdContext, table, prefix string) string {
	records, err := c.Store.ListRecords(table)
	if err != nil {
		return prefix
	}

	var match string
	for _, rec := range records {
		id, _ := rec["id"].(string)
		if id == prefix {
			return id
		}
		if len(prefix) >= 4 && len(id) > len(prefix) && id[:len(prefix)] == prefix {
			if match != "" {
				exitError("ambiguous id prefix '%s'", prefix)
			}
			match = id
		}
	}
	if match != "" {
		return match
	}
	return prefix
}
