package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/models"
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a record",
	Long: `Add a record to the local inventory. The change is applied locally
right away and synchronized to the server when connectivity allows.

Examples:
  tally add asset "Dell Latitude 5520" --category laptop --serial ABC123
  tally add asset "Projector" --location <location-id> --field warrantyEnd=2027-01-01
  tally add location "Warehouse B" --field address="12 Dock Rd"
  tally add user "Jane Smith" --field email=jane@example.com
  tally add supplier "Acme Supplies"`,
}

var (
	addFields   []string
	addCategory string
	addState    string
	addLocation string
	addSerial   string
	addValue    float64
)

var addAssetCmd = &cobra.Command{
	Use:   "asset <name>",
	Short: "Add an asset",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { runAdd(cmd, "assets", args[0]) },
}

var addLocationCmd = &cobra.Command{
	Use:   "location <name>",
	Short: "Add a location",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { runAdd(cmd, "locations", args[0]) },
}

var addUserCmd = &cobra.Command{
	Use:   "user <name>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { runAdd(cmd, "users", args[0]) },
}

var addSupplierCmd = &cobra.Command{
	Use:   "supplier <name>",
	Short: "Add a supplier",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { runAdd(cmd, "suppliers", args[0]) },
}

func init() {
	addCmd.PersistentFlags().StringArrayVar(&addFields, "field", nil, "extra attribute as key=value (repeatable)")

	addAssetCmd.Flags().StringVar(&addCategory, "category", "", "asset category")
	addAssetCmd.Flags().StringVar(&addState, "state", "", "asset condition state")
	addAssetCmd.Flags().StringVar(&addLocation, "location", "", "location ID")
	addAssetCmd.Flags().StringVar(&addSerial, "serial", "", "serial number")
	addAssetCmd.Flags().Float64Var(&addValue, "value", 0, "asset value")

	addCmd.AddCommand(addAssetCmd)
	addCmd.AddCommand(addLocationCmd)
	addCmd.AddCommand(addUserCmd)
	addCmd.AddCommand(addSupplierCmd)
}

func runAdd(cmd *cobra.Command, table, name string) {
	c := initFullContext()
	defer c.Close()

	payload, err := parseFields(addFields)
	if err != nil {
		exitError("%v", err)
	}

	payload["id"] = uuid.New().String()
	payload["name"] = name

	if table == "assets" {
		if addCategory != "" {
			payload["category"] = addCategory
		}
		if addState != "" {
			payload["state"] = addState
		}
		if addLocation != "" {
			payload["locationId"] = addLocation
		}
		if addSerial != "" {
			payload["serialNumber"] = addSerial
		}
		if cmd.Flags().Changed("value") {
			payload["value"] = addValue
		}
	}

	res := c.Manager.Execute(context.Background(), table, models.ActionInsert, payload, nil)
	reportWrite(res, fmt.Sprintf("Added %s %s", singular(table), shortID(payload["id"].(string))))
}

// singular maps a table name to the noun used in CLI output.
func singular(table string) string {
	switch table {
	case "assets":
		return "asset"
	case "locations":
		return "location"
	case "users":
		return "user"
	case "suppliers":
		return "supplier"
	case "movements":
		return "movement"
	case "inventory_sessions":
		return "session"
	}
	return "record"
}
