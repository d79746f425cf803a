package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/budget"
	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/config"
	"github.com/johnplanow/substrate-sub007/internal/engine"
	"github.com/johnplanow/substrate-sub007/internal/pool"
	"github.com/johnplanow/substrate-sub007/internal/routing"
	"github.com/johnplanow/substrate-sub007/internal/store"
)

// app holds the process-wide singletons. Created at command start and shut
// down in reverse order.
type app struct {
	cfg      *config.Config
	system   *config.System
	bus      *bus.Bus
	store    *store.Store
	registry *adapter.Registry
	pool     *pool.WorkerPool
	poolSub  *pool.Subscriber
	enforcer *budget.Enforcer
	router   *routing.Engine
	engine   *engine.Engine
}

func dbPath(ws string) string {
	return filepath.Join(ws, ".substrate", "substrate.db")
}

// loadSystem builds the config system for the workspace, folding in any
// CLI-level overrides.
func loadSystem(ws string) (*config.System, *config.Config, error) {
	sys := config.NewSystem(ws)
	cfg, err := sys.Load()
	if err != nil {
		return nil, nil, usageErr(fmt.Errorf("invalid configuration: %w", err))
	}
	return sys, cfg, nil
}

// newApp wires the full pipeline stack. Callers must close() it.
func newApp(ws string) (*app, error) {
	sys, cfg, err := loadSystem(ws)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(ws, ".substrate"), 0755); err != nil {
		return nil, runtimeErr(fmt.Errorf("failed to create workspace state dir: %w", err))
	}
	st, err := store.Open(dbPath(ws))
	if err != nil {
		return nil, runtimeErr(err)
	}

	reg := adapter.NewRegistry()
	perAgent := make(map[string]int)
	for id, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		ctor, ok := adapterCtors[id]
		if !ok {
			continue
		}
		a := ctor(adapter.WithBinary(p.CLIPath), adapter.WithMaxConcurrent(p.MaxConcurrent))
		if err := reg.Register(a); err != nil {
			st.Close()
			return nil, runtimeErr(err)
		}
		perAgent[id] = p.MaxConcurrent
	}

	b := bus.New()
	wp := pool.New(reg, pool.Limits{Global: cfg.Global.MaxConcurrentTasks, PerAgent: perAgent})
	poolSub := pool.NewSubscriber(wp)
	enforcer := budget.NewEnforcer(cfg.Budget, budget.WithConfigSource(func() config.BudgetConfig {
		c, err := sys.Current()
		if err != nil {
			return cfg.Budget
		}
		return c.Budget
	}))
	if err := b.Attach(enforcer, poolSub); err != nil {
		wp.Shutdown(context.Background())
		st.Close()
		return nil, runtimeErr(err)
	}

	router := routing.NewEngine(reg, cfg)
	eng := engine.New(st, reg, router, wp, b, engine.WithEnforcer(enforcer))

	return &app{
		cfg:      cfg,
		system:   sys,
		bus:      b,
		store:    st,
		registry: reg,
		pool:     wp,
		poolSub:  poolSub,
		enforcer: enforcer,
		router:   router,
		engine:   eng,
	}, nil
}

func (a *app) close() {
	_ = a.pool.Shutdown(context.Background())
	_ = a.poolSub.Shutdown()
	_ = a.enforcer.Shutdown()
	_ = a.store.Close()
}

var adapterCtors = map[string]func(...adapter.CLIOption) *adapter.CLIAdapter{
	adapter.AgentClaudeCode: adapter.NewClaudeCode,
	adapter.AgentCodex:      adapter.NewCodex,
	adapter.AgentGemini:     adapter.NewGemini,
}

// buildRegistry creates just the adapter registry from config, for commands
// that validate without running.
func buildRegistry(cfg *config.Config) *adapter.Registry {
	reg := adapter.NewRegistry()
	for id, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		if ctor, ok := adapterCtors[id]; ok {
			_ = reg.Register(ctor(adapter.WithBinary(p.CLIPath)))
		}
	}
	return reg
}
