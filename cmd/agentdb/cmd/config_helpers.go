package cmd

import (
	"os"

	"github.com/refine-digital/agentdb/internal/config"
	"github.com/refine-digital/agentdb/internal/rvf"
	"github.com/refine-digital/agentdb/pkg/agentdb"
)

// openEngine loads configuration from configPath (if set) and opens the
// engine at storePath. If dimensions is 0 and the store file already
// exists, its dimension is read from the file header so operators don't
// need to repeat --dimensions on every command against an existing store.
func openEngine(dimensions int) (*agentdb.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dimensions > 0 {
		cfg.Store.Dimensions = dimensions
	} else if cfg.Store.Dimensions <= 0 {
		if detected, ok := peekDimensions(storePath); ok {
			cfg.Store.Dimensions = detected
		}
	}
	return agentdb.Open(storePath, cfg, newLogger())
}

func peekDimensions(path string) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	header, err := rvf.ReadHeader(f)
	if err != nil {
		return 0, false
	}
	return int(header.Dimensions), true
}
