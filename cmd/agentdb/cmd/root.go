// Package cmd provides the CLI commands for the agentdb engine: a thin
// scriptable front door delegating every operation to pkg/agentdb, the
// way cmd/amanmcp/cmd wraps internal/store/internal/search in
// thin command wrappers.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/refine-digital/agentdb/internal/logging"
)

var (
	storePath  string
	configPath string
)

// NewRootCmd creates the root command for the agentdb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentdb",
		Short: "Operate a self-learning vector storage engine",
		Long: `agentdb drives an RVF vector store directly from the command line:
inspect its stats, run a search, verify its witness chain, or compact it.

It is a thin wrapper around the agentdb library: every subcommand opens
the store at --path, performs one operation, and exits.`,
	}

	cmd.PersistentFlags().StringVar(&storePath, "path", "agentdb.rvf", "Path to the RVF store file")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to an agentdb YAML config file")

	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newWitnessCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newLogger() *slog.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	logger, _, err := logging.Setup(logCfg)
	if err != nil {
		return slog.Default()
	}
	return logger
}
