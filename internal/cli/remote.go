package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fieldtally/tally/internal/remote"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage the sync server connection",
	Long: `Manage the tally server this workspace synchronizes with.

Without a subcommand, shows the current configuration.

Examples:
  tally remote                          Show server URL and token state
  tally remote set-url https://...      Set the server URL
  tally remote set-token                Set the access token (read from stdin)
  tally remote check                    Probe server reachability`,
	Run: runRemoteShow,
}

var remoteSetURLCmd = &cobra.Command{
	Use:   "set-url <url>",
	Short: "Set the sync server URL",
	Args:  cobra.ExactArgs(1),
	Run:   runRemoteSetURL,
}

var remoteSetTokenCmd = &cobra.Command{
	Use:   "set-token",
	Short: "Set the access token",
	Long: `Set or update the access token for the sync server.
The token is read from stdin for security (not passed as an argument).

Examples:
  tally remote set-token                     # prompts for token
  echo "my-token" | tally remote set-token   # pipe token from stdin`,
	Args: cobra.NoArgs,
	Run:  runRemoteSetToken,
}

var remoteCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe server reachability",
	Args:  cobra.NoArgs,
	Run:   runRemoteCheck,
}

func init() {
	remoteCmd.AddCommand(remoteSetURLCmd)
	remoteCmd.AddCommand(remoteSetTokenCmd)
	remoteCmd.AddCommand(remoteCheckCmd)
}

func runRemoteShow(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if c.Config.ServerURL == "" {
		fmt.Println("No server configured")
		return
	}

	fmt.Printf("Server: %s\n", c.Config.ServerURL)
	if c.Config.Token != "" {
		fmt.Println("Token:  configured")
	} else {
		fmt.Println("Token:  not set")
	}
	fmt.Printf("Device: %s\n", c.Config.DeviceID)
}

func runRemoteSetURL(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	url := strings.TrimRight(args[0], "/")
	c.Config.ServerURL = url
	if err := c.Config.Save(); err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Server URL set to %s\n", url)
}

func runRemoteSetToken(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	fmt.Fprintf(os.Stderr, "Enter access token: ")

	reader := bufio.NewReader(os.Stdin)
	token, err := reader.ReadString('\n')
	if err != nil {
		exitError("failed to read token: %v", err)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		exitError("token cannot be empty")
	}

	c.Config.Token = token
	if err := c.Config.Save(); err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Println("Token stored")
}

func runRemoteCheck(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if c.Config.ServerURL == "" {
		exitError("no server configured — run 'tally remote set-url <url>'")
	}

	client := remote.NewHTTPClient(c.Config.ServerURL, c.Config.Token)
	if err := client.Ping(context.Background()); err != nil {
		red := color.New(color.FgRed)
		red.Printf("Server unreachable: %v\n", err)
		os.Exit(1)
	}

	green := color.New(color.FgGreen)
	green.Printf("Server %s is reachable\n", c.Config.ServerURL)
}
