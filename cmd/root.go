// Package cmd defines the CLI commands for the quotewatch executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quotewatch",
		Short: "Continuously polls quote tables and serves the stored snapshots.",
		Long: `quotewatch polls configured market quote pages on a per-source schedule,
extracts their tables with a headless browser (falling back to plain HTTP),
and maintains bounded per-category record tables behind a small HTTP API.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute is the CLI entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
