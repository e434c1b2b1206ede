// Package agentdb is the public facade over the self-learning vector
// storage engine: it wires internal/rvf (storage), internal/learn/*
// (the self-learning wrapper) and internal/orchestrator together from a
// single internal/config.Config.
package agentdb

import (
	"log/slog"
	"time"

	"github.com/refine-digital/agentdb/internal/config"
	"github.com/refine-digital/agentdb/internal/errs"
	"github.com/refine-digital/agentdb/internal/learn/accessfreq"
	"github.com/refine-digital/agentdb/internal/learn/contrastive"
	"github.com/refine-digital/agentdb/internal/learn/federation"
	"github.com/refine-digital/agentdb/internal/learn/router"
	"github.com/refine-digital/agentdb/internal/learn/solver"
	"github.com/refine-digital/agentdb/internal/orchestrator"
	"github.com/refine-digital/agentdb/internal/rvf"
)

// Engine is the top-level handle embedders construct: an rvf.Store wrapped
// in the self-learning orchestrator, built from layered configuration.
type Engine struct {
	*orchestrator.Orchestrator

	store  *rvf.Store
	router *router.Router
}

// Open loads cfg.Store/.Router/.Learning/.Solver and constructs an Engine
// backed by a store at path. Any learning component whose prerequisites
// aren't met (e.g. no router persistence path configured) is still built
// with in-memory-only behavior; components are never silently omitted
// based on optional fields, only their persistence behavior changes.
func Open(path string, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store.Dimensions <= 0 {
		return nil, errs.Validation("agentdb.Open", "store.dimensions must be set")
	}

	store, err := rvf.Open(rvf.Options{
		Path:            path,
		Dimensions:      cfg.Store.Dimensions,
		Metric:          rvf.Metric(cfg.Store.Metric),
		M:               cfg.Store.M,
		EfConstruction:  cfg.Store.EfConstruction,
		EfSearchDefault: cfg.Store.EfSearchDefault,
		BatchThreshold:  cfg.Store.BatchThreshold,
		PendingWriteCap: cfg.Store.PendingWriteCap,
	})
	if err != nil {
		return nil, err
	}

	r, err := router.New(router.Config{
		Dimensions:      cfg.Store.Dimensions,
		Threshold:       float32(cfg.Router.CosineThreshold),
		PersistencePath: cfg.Router.PersistencePath,
		RecentCacheSize: cfg.Router.RecentCacheSize,
		Debounce:        time.Duration(cfg.Router.DebounceSeconds) * time.Second,
		WatchExternal:   cfg.Router.WatchExternal,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	trainer, err := contrastive.New(contrastive.Config{
		Dimensions:        cfg.Store.Dimensions,
		PositiveThreshold: float32(cfg.Learning.PositiveThreshold),
		NegativeThreshold: float32(cfg.Learning.NegativeThreshold),
	}, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fed, err := federation.NewManager(federation.ManagerConfig{
		Dimensions:              cfg.Store.Dimensions,
		ConsolidationThreshold:  float32(cfg.Learning.PatternQualityThreshold),
		ConsolidateEveryClosing: cfg.Learning.ConsolidateEveryClosings,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sv := solver.New(solver.Config{
		AcceptanceIntervalTicks: cfg.Solver.AcceptanceIntervalTicks,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Store:      store,
		Router:     r,
		Trainer:    trainer,
		AccessFreq: accessfreq.New(),
		Federation: fed,
		Solver:     sv,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Engine{Orchestrator: orch, store: store, router: r}, nil
}

// Store exposes the underlying rvf.Store for operations the orchestrator
// does not wrap directly (Save, Derive, WitnessChain, LineageDepth).
func (e *Engine) Store() *rvf.Store {
	return e.store
}

// Router exposes the underlying router for direct intent management
// (AddIntent, RemoveIntent) outside the orchestrator's search path.
func (e *Engine) Router() *router.Router {
	return e.router
}
