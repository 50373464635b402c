package cli

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/store"
)

var listCmd = &cobra.Command{
	Use:     "list <table>",
	Aliases: []string{"ls"},
	Short:   "List local records",
	Long: `List records from the local store.

Examples:
  tally list assets
  tally list locations --verbose`,
	Args: cobra.ExactArgs(1),
	Run:  runList,
}

var listVerbose bool

func init() {
	listCmd.Flags().BoolVarP(&listVerbose, "verbose", "v", false, "show all attributes")
}

func runList(cmd *cobra.Command, args []string) {
	table := args[0]
	if !store.KnownTable(table) {
		exitError("unknown table '%s'", table)
	}

	c := initContext()
	defer c.Close()

	records, err := c.Store.ListRecords(table)
	if err != nil {
		exitError("%v", err)
	}

	if len(records) == 0 {
		fmt.Printf("No %s\n", table)
		return
	}

	cyan := color.New(color.FgCyan)
	for _, rec := range records {
		id, _ := rec["id"].(string)
		name, _ := rec["name"].(string)

		cyan.Printf("%s", shortID(id))
		if name != "" {
			fmt.Printf("  %s", name)
		}
		fmt.Println()

		if listVerbose {
			keys := make([]string, 0, len(rec))
			for k := range rec {
				if k == "id" || k == "name" {
					continue
				}
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if rec[k] == nil {
					continue
				}
				fmt.Printf("    %s: %v\n", k, rec[k])
			}
		}
	}

	fmt.Printf("\n%d %s\n", len(records), table)
}
