package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/refine-digital/agentdb/internal/rvf"
)

func newSearchCmd() *cobra.Command {
	var dimensions int
	var query string
	var k int
	var filterJSON string
	var efSearch int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the store for the k nearest neighbours of a vector",
		Long: `Search runs a nearest-neighbour query against the store.

The query vector is given as --query, a comma-separated list of floats:

  agentdb search --path db.rvf --query "1,0,0,0" --k 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, dimensions, query, k, filterJSON, efSearch, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&dimensions, "dimensions", 0, "Vector dimension (required for a brand-new store)")
	cmd.Flags().StringVar(&query, "query", "", "Comma-separated query vector, e.g. \"1,0,0,0\"")
	cmd.Flags().IntVar(&k, "k", 10, "Number of results to return")
	cmd.Flags().StringVar(&filterJSON, "filter", "", "JSON-encoded filter expression")
	cmd.Flags().IntVar(&efSearch, "ef-search", 0, "Explicit ef_search override (0 = let the policy decide)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

func runSearch(cmd *cobra.Command, dimensions int, query string, k int, filterJSON string, efSearch int, jsonOutput bool) error {
	vec, err := parseVector(query)
	if err != nil {
		return err
	}
	if dimensions == 0 {
		dimensions = len(vec)
	}

	engine, err := openEngine(dimensions)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer engine.Destroy()

	opts := rvf.SearchOptions{K: k, EfSearch: efSearch}
	if filterJSON != "" {
		var f rvf.Filter
		if err := json.Unmarshal([]byte(filterJSON), &f); err != nil {
			return fmt.Errorf("parse filter: %w", err)
		}
		parsed, err := rvf.ParseFilter(&f)
		if err != nil {
			return fmt.Errorf("validate filter: %w", err)
		}
		opts.Filter = parsed
	}

	result, err := engine.Search(vec, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Results)
	}

	for _, r := range result.Results {
		fmt.Fprintf(out, "%s\tscore=%.4f\tdistance=%.4f\n", r.ID, r.Score, r.Distance)
	}
	return nil
}
