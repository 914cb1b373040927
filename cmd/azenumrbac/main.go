// azenumrbac enumerates Azure RBAC role assignments through the az CLI,
// flattens nested group membership and reports who can do what, where.
package main

import (
	"fmt"
	"os"

	"github.com/azenumrbac/azenumrbac/cmd/azenumrbac/cli"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "azenumrbac",
		Short: "azenumrbac: Azure RBAC enumeration and effective access reporting",
		Long: `azenumrbac lists subscriptions, resources, role definitions and role
assignments through the Azure CLI, expands nested group membership into
per-user grants and writes CSV, JSON and HTML reports.

Every phase writes an intermediate file, so a single phase can be re-run
from cached data.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)

	// Register command groups
	cli.RegisterRunCommands(rootCmd)
	cli.RegisterPhaseCommands(rootCmd)
	cli.RegisterSessionCommands(rootCmd)
	cli.RegisterExplainCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)
	cli.RegisterExportCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
