package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fluxfn",
		Short: "fluxfn - serverless function control plane",
		Long: `fluxfn is the control plane of a multi-tenant serverless-function
platform. It orchestrates multi-step configuration sessions for
integrations and connectors, commits session output into running
instances, and tracks long-running operations.

Features:
  - Trunk/leaf configuration sessions with dependency ordering
  - All-or-nothing instance commit
  - Asynchronous operation tracking
  - Per-tenant dispatch concurrency limits
  - Policy-based authorization via OPA`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fluxfn.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
