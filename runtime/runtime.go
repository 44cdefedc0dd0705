// Package runtime assembles every component into one CacheRuntime,
// resolving the cyclic references between the cache manager and warming subsystem
// note calls out (the cache manager wants to trigger warming; the warming
// orchestrator wants to write through the cache manager; the monitor wants
// to read the L2 breaker; the facade wants all three) via two-phase
// construction: build every component independently with no forward
// references, then call Wire to install the callbacks that close the
// cycles, exactly as cache-manager.Manager.Wire and monitoring.Monitor.
// WireL2Breaker already do individually.
package runtime

import (
	"context"
	"time"

	cachemanager "github.com/velro/authzcache/cache-manager"
	"github.com/velro/authzcache/config"
	"github.com/velro/authzcache/facade"
	"github.com/velro/authzcache/l1"
	"github.com/velro/authzcache/l2"
	"github.com/velro/authzcache/l3"
	"github.com/velro/authzcache/learner"
	"github.com/velro/authzcache/monitoring"
	"github.com/velro/authzcache/pkg/breaker"
	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
	"github.com/velro/authzcache/warming"
)

// Dependencies are the host-supplied capabilities New cannot construct on
// its own: the projection query for L3, the three authorization resolvers
// backing the facade, and the warming subsystem's fetchers.
type Dependencies struct {
	ProjectionQuery l3.ProjectionQuery // nil disables L3

	Media     facade.MediaAccessFetcher
	Team      facade.TeamAccessFetcher
	Ownership facade.OwnershipFetcher

	Fetcher  warming.Fetcher
	Source   warming.StartupSource
	KeyTypes map[string]string // resource kind -> warming fetcher key type
}

// CacheRuntime owns every component's lifetime and exposes the facade as
// the host application's sole entry point.
type CacheRuntime struct {
	cfg config.Config

	L1 *l1.Store
	L2 *l2.Store
	L3 *l3.Reader

	Manager      *cachemanager.Manager
	Learner      *learner.Learner
	Monitor      *monitoring.Monitor
	Pool         *warming.Pool
	Orchestrator *warming.Orchestrator
	Facade       *facade.Facade
}

// New constructs every component per cfg and deps, wires the cross-
// references, and returns a CacheRuntime ready for Start.
func New(cfg config.Config, deps Dependencies) (*CacheRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := clock.New()

	l1Store := l1.New(clk, l1.Config{MaxBytes: cfg.L1MaxBytes, Policy: cfg.L1EvictionPolicy})

	var l2Store *l2.Store
	if cfg.L2Addr != "" {
		var err error
		l2Store, err = l2.New(l2.Config{
			Addr:       cfg.L2Addr,
			DeadlineMs: cfg.L2DeadlineMs,
			Breaker: breaker.Config{
				Name:           "l2",
				FailThreshold:  cfg.CBFailThreshold,
				RecoveryWindow: time.Duration(cfg.CBRecoveryWindowMs) * time.Millisecond,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	var l3Reader *l3.Reader
	if deps.ProjectionQuery != nil {
		l3Reader = l3.New(deps.ProjectionQuery, l3.Config{})
	}

	manager := cachemanager.New(clk, cfg, l1Store, l2Store, l3Reader)

	patternLearner := learner.New(clk, cfg.PatternLearningEnabled, cfg.PatternStaleCutoff)

	monitor := monitoring.New(clk, cfg.HitRateExcellentPct, time.Duration(cfg.MonitoringIntervalMs)*time.Millisecond)
	if l2Store != nil {
		monitor.WireL2Breaker(l2BreakerAdapter{l2Store})
	}

	queue := warming.NewQueue(cfg.WarmingQueueCapPerPriority)
	pool := warming.NewPool(clk, warming.Config{
		PoolSize:     cfg.WarmingPoolSize,
		BatchSize:    cfg.WarmingBatchSize,
		MaxOriginRPS: cfg.WarmingMaxOriginRPS,
	}, queue, deps.Fetcher, manager, manager, monitor.ShouldThrottleWarming)

	var orchestrator *warming.Orchestrator
	if deps.Source != nil {
		orchestrator = warming.NewOrchestrator(clk, pool, patternLearner, deps.Source,
			warming.StartupCaps{UserCap: cfg.StartupUserCap, GenCap: cfg.StartupGenCap, TeamCap: cfg.StartupTeamCap},
			deps.KeyTypes)
		manager.Wire(orchestrator, monitor)
	} else {
		manager.Wire(nil, monitor)
	}

	f := facade.New(manager, patternLearner, monitor, orchestrator, deps.Media, deps.Team, deps.Ownership)

	return &CacheRuntime{
		cfg:          cfg,
		L1:           l1Store,
		L2:           l2Store,
		L3:           l3Reader,
		Manager:      manager,
		Learner:      patternLearner,
		Monitor:      monitor,
		Pool:         pool,
		Orchestrator: orchestrator,
		Facade:       f,
	}, nil
}

// l2BreakerAdapter adapts l2.Store's connection info into the
// models.CircuitState shape monitoring.BreakerSource wants, without
// exporting the breaker itself off of Store.
type l2BreakerAdapter struct{ store *l2.Store }

func (a l2BreakerAdapter) State() models.CircuitState {
	info := a.store.GetInfo(context.Background())
	if info.BreakerOpen {
		return models.CircuitOpen
	}
	return models.CircuitClosed
}

// Start launches the cache manager's sweeper and the warming pool's drain
// loop.
func (r *CacheRuntime) Start(ctx context.Context) {
	r.Manager.Start(ctx)
	r.Pool.Start(ctx)
	r.Monitor.Start()
	if r.Orchestrator != nil {
		r.Orchestrator.TriggerStartup(ctx)
	}
}

// Stop drains and stops every background loop, bounded by
// cfg.ShutdownDrainTimeout, and closes the L2 connection.
func (r *CacheRuntime) Stop() {
	done := make(chan struct{})
	go func() {
		r.Pool.Stop()
		r.Monitor.Stop()
		r.Manager.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownDrainTimeout):
	}

	if r.L2 != nil {
		_ = r.L2.Close()
	}
	r.L1.Clear()
}
