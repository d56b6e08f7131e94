package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/appraisal"
	"github.com/danielpatrickdp/reflexcore/internal/arbiter"
	"github.com/danielpatrickdp/reflexcore/internal/archive"
	"github.com/danielpatrickdp/reflexcore/internal/consolidation"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/logging"
	"github.com/danielpatrickdp/reflexcore/internal/metrics"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
)

// #region builder
// Seed is an immutable connection installed at build time.
type Seed struct {
	Source     graph.NodeID
	Target     graph.NodeID
	Confidence uint8
}

// Builder assembles an Engine in stages. Setters record the first error and
// Build reports it.
type Builder struct {
	cfg        Config
	actions    []action.Spec
	seeds      []Seed
	executors  map[string]executor.Executor
	appraisers []appraisal.Appraiser
	sink       archive.Sink
	log        zerolog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	err        error
}

// NewBuilder starts a builder from cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg, executors: map[string]executor.Executor{}, log: zerolog.Nop()}
}

// WithActions adds catalog entries.
func (b *Builder) WithActions(specs ...action.Spec) *Builder {
	b.actions = append(b.actions, specs...)
	return b
}

// WithExecutor routes actions of kind to e.
func (b *Builder) WithExecutor(kind string, e executor.Executor) *Builder {
	if e == nil {
		b.fail(fmt.Errorf("nil executor for kind %q", kind))
		return b
	}
	b.executors[kind] = e
	return b
}

// WithSeed installs immutable connections.
func (b *Builder) WithSeed(s ...Seed) *Builder {
	b.seeds = append(b.seeds, s...)
	return b
}

// WithAppraisers replaces the built-in appraisers.
func (b *Builder) WithAppraisers(a ...appraisal.Appraiser) *Builder {
	b.appraisers = a
	return b
}

// WithSink enables the background exporter.
func (b *Builder) WithSink(s archive.Sink) *Builder {
	b.sink = s
	return b
}

// WithLogger sets the root logger; components get tagged children.
func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.log = l
	return b
}

// WithMetrics enables prometheus collectors.
func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithTracer overrides the global otel tracer for decisions.
func (b *Builder) WithTracer(t trace.Tracer) *Builder {
	b.tracer = t
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// #endregion builder

// #region build
// ErrConfig wraps every build failure.
var ErrConfig = errors.New("engine: invalid configuration")

// Build runs the stages in dependency order.
func (b *Builder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, b.err)
	}
	e := &Engine{ID: uuid.NewString(), cfg: b.cfg, log: b.log, metrics: b.metrics, sink: b.sink}
	for _, stage := range []struct {
		name string
		run  func(*Engine) error
	}{
		{"catalog", b.buildCatalog},
		{"structures", b.buildStructures},
		{"guardian", b.buildGuardian},
		{"evaluator", b.buildEvaluator},
		{"arbiter", b.buildArbiter},
		{"consolidation", b.buildConsolidation},
		{"archive", b.buildArchive},
	} {
		if err := stage.run(e); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, stage.name, err)
		}
	}
	e.log.Info().
		Str("engine", e.ID).
		Int("actions", e.Catalog.Len()).
		Strs("executors", e.Executors.Kinds()).
		Int("seeds", len(b.seeds)).
		Msg("engine built")
	return e, nil
}

func (b *Builder) buildCatalog(e *Engine) error {
	cat, err := action.NewCatalog(b.actions...)
	if err != nil {
		return err
	}
	e.Catalog = cat
	return nil
}

func (b *Builder) buildStructures(e *Engine) error {
	if !b.cfg.Shifts.Valid() {
		return fmt.Errorf("hash shifts %v exceed %d", b.cfg.Shifts, spatial.MaxShift)
	}
	capacity := b.cfg.EventLogCapacity
	if capacity <= 0 {
		capacity = experience.DefaultCapacity
	}
	e.Grid = spatial.NewGrid(b.cfg.Shifts)
	e.Graph = graph.New(b.cfg.GraphShards)
	e.Cache = reflex.New(b.cfg.Reflex)
	e.Log = experience.NewLog(capacity)
	for _, s := range b.seeds {
		if _, err := e.Graph.Seed(s.Source, s.Target, s.Confidence); err != nil {
			return fmt.Errorf("seed %d->%d: %w", s.Source, s.Target, err)
		}
	}
	e.Executors = executor.NewRegistry()
	for kind, ex := range b.executors {
		e.Executors.Register(kind, ex)
	}
	b.metrics.Watch("event_log", "entries", "Experiences held in the event log", func() float64 { return float64(e.Log.Len()) })
	b.metrics.Watch("reflex", "entries", "Reflex candidates held in the cache", func() float64 { return float64(e.Cache.Len()) })
	b.metrics.Watch("graph", "connections", "Connections in the relational index", func() float64 { return float64(e.Graph.Len()) })
	return nil
}

func (b *Builder) buildGuardian(e *Engine) error {
	opts := []guardian.Option{guardian.WithLogger(logging.Component(b.log, "guardian"))}
	if b.metrics != nil {
		opts = append(opts, guardian.WithObserver(b.metrics))
	}
	e.Guardian = guardian.New(e.Graph, e.Cache, e.Catalog, b.cfg.Constitution, opts...)
	return nil
}

func (b *Builder) buildEvaluator(e *Engine) error {
	apps := b.appraisers
	if apps == nil {
		apps = appraisal.Builtin(b.cfg.Appraisal, e.Graph, e.Grid)
	}
	pcfg := b.cfg.Policy
	pcfg.Failsafe = b.cfg.Arbiter.Failsafe
	e.Evaluator = policy.New(e.Catalog, apps, pcfg, logging.Component(b.log, "policy"))
	return nil
}

func (b *Builder) buildArbiter(e *Engine) error {
	opts := []arbiter.Option{
		arbiter.WithLogger(logging.Component(b.log, "arbiter")),
		arbiter.WithMetrics(b.metrics),
	}
	if b.tracer != nil {
		opts = append(opts, arbiter.WithTracer(b.tracer))
	}
	arb, err := arbiter.New(arbiter.Deps{
		Shifts:    b.cfg.Shifts,
		Cache:     e.Cache,
		Evaluator: e.Evaluator,
		Guardian:  e.Guardian,
		Executor:  e.Executors,
		Events:    e.Log,
		Catalog:   e.Catalog,
	}, b.cfg.Arbiter, opts...)
	if err != nil {
		return err
	}
	e.Arbiter = arb
	return nil
}

func (b *Builder) buildConsolidation(e *Engine) error {
	ccfg := b.cfg.Consolidation
	hook := ccfg.Hook
	ccfg.Hook = func(r consolidation.Report) {
		b.metrics.ObserveConsolidation()
		if hook != nil {
			hook(r)
		}
	}
	e.Consolidator = consolidation.New(e.Log, e.Guardian, e.Graph, e.Cache, e.Grid, ccfg, logging.Component(b.log, "consolidation"))
	return nil
}

func (b *Builder) buildArchive(e *Engine) error {
	if b.sink == nil {
		return nil
	}
	e.Exporter = archive.NewExporter(b.sink, b.cfg.Archive.Buffer, logging.Component(b.log, "archive"), b.metrics)
	return nil
}

// #endregion build
