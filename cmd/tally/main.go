// Command tally is the offline-first inventory client.
package main

import (
	"os"

	"github.com/fieldtally/tally/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
