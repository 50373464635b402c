package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/models"
)

var moveCmd = &cobra.Command{
	Use:   "move <asset-id> --to <location-id>",
	Short: "Move an asset to another location",
	Long: `Move an asset to a new location. Records a movement entry and
updates the asset's current location in one go.

Examples:
  tally move 3f2a91bc --to 7cc14d20`,
	Args: cobra.ExactArgs(1),
	Run:  runMove,
}

var moveTo string

func init() {
	moveCmd.Flags().StringVar(&moveTo, "to", "", "destination location ID")
	moveCmd.MarkFlagRequired("to")
}

func runMove(cmd *cobra.Command, args []string) {
	c := initFullContext()
	defer c.Close()

	ctx := context.Background()
	assetID := resolveID(c, "assets", args[0])
	toID := resolveID(c, "locations", moveTo)

	var fromID any
	if asset, err := c.Store.GetRecord("assets", assetID); err == nil && asset != nil {
		fromID = asset["location_id"]
	}

	movement := map[string]any{
		"id":           uuid.New().String(),
		"assetId":      assetID,
		"toLocationId": toID,
		"requestDate":  time.Now().UTC().Format(time.RFC3339),
	}
	if fromID != nil {
		movement["fromLocationId"] = fromID
	}

	res := c.Manager.Execute(ctx, "movements", models.ActionInsert, movement, nil)
	if res.Err != nil {
		exitError("movement recorded locally, but queueing for sync failed: %v", res.Err)
	}

	update := map[string]any{"locationId": toID}
	match := map[string]any{"id": assetID}
	res = c.Manager.Execute(ctx, "assets", models.ActionUpdate, update, match)
	reportWrite(res, fmt.Sprintf("Moved asset %s to location %s", shortID(assetID), shortID(toID)))
}
