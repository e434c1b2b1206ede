// Package config loads layered configuration for the agentdb engine:
// hardcoded defaults, an optional YAML file, then AGENTDB_* environment
// variable overrides, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" json:"store"`
	Learning LearningConfig `yaml:"learning" json:"learning"`
	Router   RouterConfig   `yaml:"router" json:"router"`
	Solver   SolverConfig   `yaml:"solver" json:"solver"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// StoreConfig configures the RVF vector store.
type StoreConfig struct {
	Dimensions       int    `yaml:"dimensions" json:"dimensions"`
	Metric           string `yaml:"metric" json:"metric"` // cosine | l2 | ip
	M                int    `yaml:"m" json:"m"`
	EfConstruction   int    `yaml:"ef_construction" json:"ef_construction"`
	EfSearchDefault  int    `yaml:"ef_search_default" json:"ef_search_default"`
	BatchThreshold   int    `yaml:"batch_threshold" json:"batch_threshold"`
	PendingWriteCap  int    `yaml:"pending_write_cap" json:"pending_write_cap"`
	MaxMetadataBytes int    `yaml:"max_metadata_bytes" json:"max_metadata_bytes"`
}

// LearningConfig configures the self-learning wrapper.
type LearningConfig struct {
	TrajectoryCap            int     `yaml:"trajectory_cap" json:"trajectory_cap"`
	TrajectoryTTLSeconds     int     `yaml:"trajectory_ttl_seconds" json:"trajectory_ttl_seconds"`
	ContrastiveBufferCap     int     `yaml:"contrastive_buffer_cap" json:"contrastive_buffer_cap"`
	ContrastiveBatchSize     int     `yaml:"contrastive_batch_size" json:"contrastive_batch_size"`
	PositiveThreshold        float64 `yaml:"positive_threshold" json:"positive_threshold"`
	NegativeThreshold        float64 `yaml:"negative_threshold" json:"negative_threshold"`
	AccessDecayFactor        float64 `yaml:"access_decay_factor" json:"access_decay_factor"`
	AccessPruneEveryTicks    int     `yaml:"access_prune_every_ticks" json:"access_prune_every_ticks"`
	AccessPruneThreshold     float64 `yaml:"access_prune_threshold" json:"access_prune_threshold"`
	ConsolidateEveryClosings int     `yaml:"consolidate_every_closings" json:"consolidate_every_closings"`
	PatternQualityThreshold  float64 `yaml:"pattern_quality_threshold" json:"pattern_quality_threshold"`
}

// RouterConfig configures the query router.
type RouterConfig struct {
	CosineThreshold float64 `yaml:"cosine_threshold" json:"cosine_threshold"`
	PersistencePath string  `yaml:"persistence_path" json:"persistence_path"`
	DebounceSeconds int     `yaml:"debounce_seconds" json:"debounce_seconds"`
	RecentCacheSize int     `yaml:"recent_cache_size" json:"recent_cache_size"`
	WatchExternal   bool    `yaml:"watch_external" json:"watch_external"`
}

// SolverConfig configures the adaptive ef_search bandit policy.
type SolverConfig struct {
	Arms                    []int   `yaml:"arms" json:"arms"`
	CostWeight              float64 `yaml:"cost_weight" json:"cost_weight"`
	AcceptanceIntervalTicks int     `yaml:"acceptance_interval_ticks" json:"acceptance_interval_ticks"`
	AcceptanceCycles        int     `yaml:"acceptance_cycles" json:"acceptance_cycles"`
	AcceptanceHoldoutSize   int     `yaml:"acceptance_holdout_size" json:"acceptance_holdout_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level         string `yaml:"level" json:"level"`
	FilePath      string `yaml:"file_path" json:"file_path"`
	WriteToStderr bool   `yaml:"write_to_stderr" json:"write_to_stderr"`
}

// NewConfig returns sensible defaults per the engine's documented values.
func NewConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Dimensions:       0, // must be set explicitly at store-creation time
			Metric:           "cosine",
			M:                16,
			EfConstruction:   200,
			EfSearchDefault:  100,
			BatchThreshold:   1000,
			PendingWriteCap:  100000,
			MaxMetadataBytes: 64 * 1024,
		},
		Learning: LearningConfig{
			TrajectoryCap:            500,
			TrajectoryTTLSeconds:     60,
			ContrastiveBufferCap:     1000,
			ContrastiveBatchSize:     32,
			PositiveThreshold:        0.7,
			NegativeThreshold:        0.3,
			AccessDecayFactor:        0.99,
			AccessPruneEveryTicks:    50,
			AccessPruneThreshold:     0.001,
			ConsolidateEveryClosings: 10,
			PatternQualityThreshold:  0.3,
		},
		Router: RouterConfig{
			CosineThreshold: 0.5,
			DebounceSeconds: 5,
			RecentCacheSize: 256,
		},
		Solver: SolverConfig{
			Arms:                    []int{50, 100, 200, 400},
			CostWeight:              0.01,
			AcceptanceIntervalTicks: 100,
			AcceptanceCycles:        5,
			AcceptanceHoldoutSize:   50,
		},
		Logging: LoggingConfig{
			Level:         "info",
			WriteToStderr: true,
		},
	}
}

// Load reads defaults, then overlays an optional YAML file at path (if it
// exists), then AGENTDB_* environment variables, then validates.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero values from other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.Store.Dimensions != 0 {
		c.Store.Dimensions = other.Store.Dimensions
	}
	if other.Store.Metric != "" {
		c.Store.Metric = other.Store.Metric
	}
	if other.Store.M != 0 {
		c.Store.M = other.Store.M
	}
	if other.Store.EfConstruction != 0 {
		c.Store.EfConstruction = other.Store.EfConstruction
	}
	if other.Store.EfSearchDefault != 0 {
		c.Store.EfSearchDefault = other.Store.EfSearchDefault
	}
	if other.Store.BatchThreshold != 0 {
		c.Store.BatchThreshold = other.Store.BatchThreshold
	}
	if other.Store.PendingWriteCap != 0 {
		c.Store.PendingWriteCap = other.Store.PendingWriteCap
	}
	if other.Store.MaxMetadataBytes != 0 {
		c.Store.MaxMetadataBytes = other.Store.MaxMetadataBytes
	}

	if other.Learning.TrajectoryCap != 0 {
		c.Learning.TrajectoryCap = other.Learning.TrajectoryCap
	}
	if other.Learning.TrajectoryTTLSeconds != 0 {
		c.Learning.TrajectoryTTLSeconds = other.Learning.TrajectoryTTLSeconds
	}
	if other.Learning.ContrastiveBufferCap != 0 {
		c.Learning.ContrastiveBufferCap = other.Learning.ContrastiveBufferCap
	}
	if other.Learning.ContrastiveBatchSize != 0 {
		c.Learning.ContrastiveBatchSize = other.Learning.ContrastiveBatchSize
	}
	if other.Learning.PositiveThreshold != 0 {
		c.Learning.PositiveThreshold = other.Learning.PositiveThreshold
	}
	if other.Learning.NegativeThreshold != 0 {
		c.Learning.NegativeThreshold = other.Learning.NegativeThreshold
	}
	if other.Learning.AccessDecayFactor != 0 {
		c.Learning.AccessDecayFactor = other.Learning.AccessDecayFactor
	}
	if other.Learning.AccessPruneEveryTicks != 0 {
		c.Learning.AccessPruneEveryTicks = other.Learning.AccessPruneEveryTicks
	}
	if other.Learning.AccessPruneThreshold != 0 {
		c.Learning.AccessPruneThreshold = other.Learning.AccessPruneThreshold
	}
	if other.Learning.ConsolidateEveryClosings != 0 {
		c.Learning.ConsolidateEveryClosings = other.Learning.ConsolidateEveryClosings
	}
	if other.Learning.PatternQualityThreshold != 0 {
		c.Learning.PatternQualityThreshold = other.Learning.PatternQualityThreshold
	}

	if other.Router.CosineThreshold != 0 {
		c.Router.CosineThreshold = other.Router.CosineThreshold
	}
	if other.Router.PersistencePath != "" {
		c.Router.PersistencePath = other.Router.PersistencePath
	}
	if other.Router.DebounceSeconds != 0 {
		c.Router.DebounceSeconds = other.Router.DebounceSeconds
	}
	if other.Router.RecentCacheSize != 0 {
		c.Router.RecentCacheSize = other.Router.RecentCacheSize
	}
	if other.Router.WatchExternal {
		c.Router.WatchExternal = true
	}

	if len(other.Solver.Arms) > 0 {
		c.Solver.Arms = other.Solver.Arms
	}
	if other.Solver.CostWeight != 0 {
		c.Solver.CostWeight = other.Solver.CostWeight
	}
	if other.Solver.AcceptanceIntervalTicks != 0 {
		c.Solver.AcceptanceIntervalTicks = other.Solver.AcceptanceIntervalTicks
	}
	if other.Solver.AcceptanceCycles != 0 {
		c.Solver.AcceptanceCycles = other.Solver.AcceptanceCycles
	}
	if other.Solver.AcceptanceHoldoutSize != 0 {
		c.Solver.AcceptanceHoldoutSize = other.Solver.AcceptanceHoldoutSize
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
}

// applyEnvOverrides applies AGENTDB_* environment variable overrides,
// highest precedence.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTDB_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.Dimensions = n
		}
	}
	if v := os.Getenv("AGENTDB_METRIC"); v != "" {
		c.Store.Metric = v
	}
	if v := os.Getenv("AGENTDB_EF_SEARCH_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.EfSearchDefault = n
		}
	}
	if v := os.Getenv("AGENTDB_BATCH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.BatchThreshold = n
		}
	}
	if v := os.Getenv("AGENTDB_PENDING_WRITE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.PendingWriteCap = n
		}
	}
	if v := os.Getenv("AGENTDB_ROUTER_PERSISTENCE_PATH"); v != "" {
		c.Router.PersistencePath = v
	}
	if v := os.Getenv("AGENTDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Store.Dimensions < 0 || c.Store.Dimensions > 4096 {
		return fmt.Errorf("store.dimensions must be between 0 and 4096, got %d", c.Store.Dimensions)
	}

	validMetrics := map[string]bool{"cosine": true, "l2": true, "ip": true}
	if !validMetrics[strings.ToLower(c.Store.Metric)] {
		return fmt.Errorf("store.metric must be cosine, l2 or ip, got %s", c.Store.Metric)
	}

	if c.Store.BatchThreshold <= 0 || c.Store.BatchThreshold > 10000 {
		return fmt.Errorf("store.batch_threshold must be in (0, 10000], got %d", c.Store.BatchThreshold)
	}

	if c.Store.PendingWriteCap < c.Store.BatchThreshold {
		return fmt.Errorf("store.pending_write_cap (%d) must be >= store.batch_threshold (%d)",
			c.Store.PendingWriteCap, c.Store.BatchThreshold)
	}

	if len(c.Solver.Arms) == 0 {
		return fmt.Errorf("solver.arms must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
