package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/arbiter"
	"github.com/danielpatrickdp/reflexcore/internal/archive"
	"github.com/danielpatrickdp/reflexcore/internal/consolidation"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/metrics"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
)

// #region engine
// Engine is a fully wired decision core. The component fields are exported
// for inspection and tests; callers should go through Decide and Consolidate.
type Engine struct {
	ID string

	Catalog      *action.Catalog
	Grid         *spatial.Grid
	Graph        *graph.Graph
	Cache        *reflex.Cache
	Log          *experience.Log
	Guardian     *guardian.Guardian
	Evaluator    *policy.Evaluator
	Executors    *executor.Registry
	Arbiter      *arbiter.Arbiter
	Consolidator *consolidation.Consolidator
	Exporter     *archive.Exporter // nil without a sink

	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	sink    archive.Sink
}

// Decide runs one decision cycle.
func (e *Engine) Decide(ctx context.Context, in arbiter.Input) (arbiter.Decision, error) {
	return e.Arbiter.Decide(ctx, in)
}

// DecideBatch decides every input concurrently.
func (e *Engine) DecideBatch(ctx context.Context, ins []arbiter.Input) ([]arbiter.Decision, error) {
	return e.Arbiter.DecideBatch(ctx, ins)
}

// Consolidate runs one consolidation pass now.
func (e *Engine) Consolidate(ctx context.Context) consolidation.Report {
	return e.Consolidator.RunOnce(ctx)
}

// Run drives the background loops until ctx is done: periodic
// consolidation, and with a sink, the exporter.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.cfg.ConsolidationInterval > 0 {
		g.Go(func() error {
			e.Consolidator.Start(ctx, e.cfg.ConsolidationInterval)
			return nil
		})
	}
	if e.Exporter != nil {
		interval := e.cfg.Archive.Interval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		g.Go(func() error { return e.Exporter.Stream(ctx, e.Log, e.Graph, interval) })
	}
	e.log.Info().Str("engine", e.ID).Msg("engine running")
	err := g.Wait()
	e.log.Info().Str("engine", e.ID).Msg("engine stopped")
	return err
}

// Close releases the sink, if any.
func (e *Engine) Close() error {
	if e.sink == nil {
		return nil
	}
	return e.sink.Close()
}

// #endregion engine

// #region status
// Status is a point-in-time summary.
type Status struct {
	ID          string
	Decisions   arbiter.Stats
	Reflex      reflex.Stats
	Verdicts    guardian.Stats
	Connections int
	Cells       int
	Events      int
	Dropped     uint64
	Export      *archive.ExportStats
}

// Status collects counters from every component.
func (e *Engine) Status() Status {
	s := Status{
		ID:          e.ID,
		Decisions:   e.Arbiter.Stats(),
		Reflex:      e.Cache.Stats(),
		Verdicts:    e.Guardian.Stats(),
		Connections: e.Graph.Len(),
		Cells:       e.Grid.Len(),
		Events:      e.Log.Len(),
		Dropped:     e.Log.Dropped(),
	}
	if e.Exporter != nil {
		st := e.Exporter.Stats()
		s.Export = &st
	}
	return s
}

// #endregion status
