// Package main provides the entry point for the agentdb CLI.
package main

import (
	"os"

	"github.com/refine-digital/agentdb/cmd/agentdb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
