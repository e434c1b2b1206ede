package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var dimensions int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Long:  `Display live row count, tombstones, graph size, pending writes and witness chain length.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, dimensions, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&dimensions, "dimensions", 0, "Vector dimension (required for a brand-new store)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStats(cmd *cobra.Command, dimensions int, jsonOutput bool) error {
	engine, err := openEngine(dimensions)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Destroy()

	stats := engine.Stats()
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "live rows:       %d\n", stats.LiveRows)
	fmt.Fprintf(out, "tombstones:      %d\n", stats.Tombstones)
	fmt.Fprintf(out, "graph nodes:     %d\n", stats.GraphNodes)
	fmt.Fprintf(out, "pending writes:  %d\n", stats.PendingWrites)
	fmt.Fprintf(out, "witness entries: %d\n", stats.WitnessEntries)
	return nil
}
