package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/cmd/loom/commands"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - bucket-scoped job execution worker",
	Long: `loom - bucket-scoped job execution worker.

A loom worker owns one bucket of a distributed job cluster. It pulls jobs
that became due for its bucket, buffers them in a time-ordered onboarding
pen, and executes them under priority-derived concurrency ceilings with
timeout aborts and optimistic-concurrency persistence.

Available commands:
  worker  - Run the worker for one bucket
  db      - Manage the local database (migrate, stats)
  version - Show version information

Examples:
  loom worker --config loom.toml   # Run worker with config file
  loom db migrate                  # Apply pending schema migrations
  loom db stats                    # Show job counts per status`,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to TOML config file")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
