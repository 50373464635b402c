package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/config"
	"github.com/fieldtally/tally/internal/remote"
	"github.com/fieldtally/tally/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new tally workspace",
	Long: `Initialize a new tally workspace in the current directory.
This creates a .tally directory holding the local database and config.`,
	Run: runInit,
}

var (
	initURL    string
	initDevice string
)

func init() {
	initCmd.Flags().StringVar(&initURL, "url", "", "tally server URL (optional, can be set later)")
	initCmd.Flags().StringVar(&initDevice, "device", "", "device identifier (defaults to hostname)")
}

func runInit(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if _, err := config.FindTallyRoot(); err == nil {
		exitError("tally workspace already exists")
	}

	deviceID := initDevice
	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "device"
		}
		deviceID = fmt.Sprintf("%s-%s", host, shortID(uuid.New().String()))
	}

	fmt.Printf("Initializing tally workspace...\n")
	fmt.Printf("Device ID: %s\n", deviceID)

	cfg, err := config.Initialize(initURL, deviceID)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	defer st.Close()

	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	if initURL != "" {
		fmt.Printf("Server URL: %s\n", initURL)
		fmt.Printf("Checking server...\n")
		client := remote.NewHTTPClient(initURL, "")
		if err := client.Ping(ctx); err != nil {
			fmt.Printf("Warning: server unreachable (%v)\n", err)
			fmt.Printf("Changes will queue locally until it comes back.\n")
		} else {
			fmt.Printf("Server is reachable.\n")
		}
	}

	fmt.Printf("\nInitialized empty tally workspace in .tally/\n")
	if initURL == "" {
		fmt.Printf("Run 'tally remote set-url <url>' to configure a server.\n")
	}
	fmt.Printf("Run 'tally remote set-token' to store your access token.\n")
}
