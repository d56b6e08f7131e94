package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/metrics"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region arbiter
// Deps are the collaborators of an Arbiter. Executor may be nil, in which
// case every decision ends in the failsafe action.
type Deps struct {
	Shifts    spatial.Shifts
	Cache     *reflex.Cache
	Evaluator *policy.Evaluator
	Guardian  *guardian.Guardian
	Executor  executor.Executor
	Events    *experience.Log
	Catalog   *action.Catalog
}

// Arbiter routes each state to the fast or slow path.
type Arbiter struct {
	Deps
	cfg      Config
	failsafe action.Spec
	log      zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	receipts atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	decisions, fast, slow, failsafes, explored, timeouts, failures atomic.Uint64
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Arbiter) { a.log = l }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Arbiter) { a.metrics = m }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Arbiter) { a.tracer = t }
}

// New creates an arbiter. The failsafe action must be in the catalog and Safe.
func New(deps Deps, cfg Config, opts ...Option) (*Arbiter, error) {
	fs, ok := deps.Catalog.Get(cfg.Failsafe)
	if !ok || !fs.Safe {
		return nil, fmt.Errorf("%w: action %d", ErrNoFailsafe, cfg.Failsafe)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	a := &Arbiter{
		Deps:     deps,
		cfg:      cfg,
		failsafe: fs,
		log:      zerolog.Nop(),
		tracer:   otel.Tracer("reflexcore/arbiter"),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Failsafe returns the failsafe action.
func (a *Arbiter) Failsafe() action.Spec {
	return a.failsafe
}

// Stats returns a snapshot of the path counters.
func (a *Arbiter) Stats() Stats {
	return Stats{
		Decisions: a.decisions.Load(),
		Fast:      a.fast.Load(),
		Slow:      a.slow.Load(),
		Failsafe:  a.failsafes.Load(),
		Explored:  a.explored.Load(),
		Timeouts:  a.timeouts.Load(),
		Failures:  a.failures.Load(),
	}
}

// #endregion arbiter

// #region decide
// Decide validates in and runs one decision cycle. The only error returned
// wraps ErrMalformedInput; every other failure ends in the failsafe action.
func (a *Arbiter) Decide(ctx context.Context, in Input) (Decision, error) {
	tok, err := state.FromFloats(in.Values, in.Flags)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	return a.decide(ctx, tok, in.Goal, in.Timeout), nil
}

// DecideToken runs a cycle for an already validated state.
func (a *Arbiter) DecideToken(ctx context.Context, tok state.Token, goal string) Decision {
	return a.decide(ctx, tok, goal, 0)
}

// DecideBatch decides every input on its own goroutine. Slots of malformed
// inputs are left zero and the first such error is returned.
func (a *Arbiter) DecideBatch(ctx context.Context, ins []Input) ([]Decision, error) {
	out := make([]Decision, len(ins))
	var g errgroup.Group
	for i := range ins {
		g.Go(func() error {
			d, err := a.Decide(ctx, ins[i])
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = d
			return nil
		})
	}
	return out, g.Wait()
}

func (a *Arbiter) decide(ctx context.Context, tok state.Token, goal string, timeout time.Duration) Decision {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "arbiter.decide")
	defer span.End()

	d := Decision{
		Receipt: a.receipts.Add(1),
		Trace:   make([]Phase, 0, 8),
	}
	d.Trace = append(d.Trace, PhaseStart, PhaseTryFast)

	hash := spatial.Hash(tok, a.Shifts)
	appraisals := noAppraisals()
	var chosen action.Spec

	cand, sim, hit := a.Cache.Resolve(hash, tok)
	a.metrics.ObserveReflex(hit)
	if hit {
		spec, ok := a.Catalog.Get(cand.Action)
		hit = ok
		if ok {
			d.Trace = append(d.Trace, PhaseFastHit)
			if a.explore() {
				d.Explored = true
			} else {
				chosen = spec
				d.Path = experience.PathFast
				d.Confidence = cand.Strength * sim
			}
		}
	}
	if !hit {
		d.Trace = append(d.Trace, PhaseFastMiss)
	}

	if chosen.ID == 0 {
		d.Trace = append(d.Trace, PhaseTrySlow)
		res, err := a.Evaluator.Evaluate(ctx, policy.Request{
			State:   tok,
			Cell:    hash,
			Goal:    goal,
			History: a.Events.Recent(a.cfg.HistoryWindow),
		})
		if err != nil {
			return a.finish(span, start, a.fail(d, tok, hash, goal, CauseEvaluation, err))
		}
		chosen = res.Action
		d.Path = experience.PathSlow
		d.Confidence = res.Confidence
		appraisals = res.Appraisals
	}

	d.Trace = append(d.Trace, PhaseValidate)
	if v := a.Guardian.ApproveAction(tok, chosen); !v.Accepted {
		return a.finish(span, start, a.fail(d, tok, hash, goal, CauseRejected, v.Err()))
	}

	d.Trace = append(d.Trace, PhaseExecute)
	if a.Executor == nil {
		return a.finish(span, start, a.fail(d, tok, hash, goal, CauseNoExecutor, executor.ErrNoExecutor))
	}
	d.Action = chosen
	d.Handle = newHandle()
	pending := experience.Entry{
		State:      tok,
		StateHash:  hash,
		Action:     chosen.ID,
		Path:       d.Path,
		Receipt:    d.Receipt,
		Appraisals: appraisals,
		Meta:       meta(goal, CauseNone),
	}

	execCtx, cancel := a.execContext(ctx, timeout)
	if err := execCtx.Err(); err != nil {
		cancel()
		return a.finish(span, start, a.expired(d, pending, err))
	}
	h := d.Handle
	err := a.Executor.Execute(execCtx, executor.Request{
		Receipt: d.Receipt,
		Action:  chosen,
		State:   tok,
		Goal:    goal,
	}, func(out executor.Outcome) {
		a.complete(h, pending, out)
		cancel()
	})
	if err != nil {
		cancel()
		cause := CauseExecuteError
		if errors.Is(err, executor.ErrNoExecutor) {
			cause = CauseNoExecutor
		}
		return a.finish(span, start, a.fail(d, tok, hash, goal, cause, err))
	}
	if _, ok := execCtx.Deadline(); ok {
		go func() {
			select {
			case <-h.done:
			case <-execCtx.Done():
				a.expire(h, pending)
			}
		}()
	}
	d.Trace = append(d.Trace, PhaseLog, PhaseDone)
	return a.finish(span, start, d)
}

// execContext detaches execution from the caller's cancellation while
// keeping the earlier of its deadline and the timeout. The returned context
// is already done when the caller's deadline has passed.
func (a *Arbiter) execContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = a.cfg.DefaultTimeout
	}
	dl, ok := ctx.Deadline()
	if timeout > 0 {
		if own := time.Now().Add(timeout); !ok || own.Before(dl) {
			dl, ok = own, true
		}
	}
	base := context.WithoutCancel(ctx)
	if ok {
		return context.WithDeadline(base, dl)
	}
	return context.WithCancel(base)
}

func (a *Arbiter) explore() bool {
	if a.cfg.Epsilon <= 0 {
		return false
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.rng.Float64() < a.cfg.Epsilon
}

func (a *Arbiter) finish(span trace.Span, start time.Time, d Decision) Decision {
	a.decisions.Add(1)
	switch d.Path {
	case experience.PathFast:
		a.fast.Add(1)
	case experience.PathSlow:
		a.slow.Add(1)
	}
	if d.Explored {
		a.explored.Add(1)
	}
	a.metrics.ObserveDecision(d.Path.String(), d.Explored, time.Since(start))

	span.SetAttributes(
		attribute.Int64("reflex.receipt", int64(d.Receipt)),
		attribute.String("reflex.path", d.Path.String()),
		attribute.Int64("reflex.action", int64(d.Action.ID)),
		attribute.Bool("reflex.explored", d.Explored),
	)
	if d.Cause != CauseNone {
		span.SetStatus(codes.Error, string(d.Cause))
	}
	return d
}

// #endregion decide

// #region settle
func (a *Arbiter) complete(h *Handle, e experience.Entry, out executor.Outcome) {
	if !h.claim() {
		return
	}
	e.Outcome = experience.OutcomeSuccess
	if !out.Success {
		e.Outcome = experience.OutcomeFailure
		a.failures.Add(1)
		a.log.Warn().
			Uint64("receipt", e.Receipt).
			Uint32("action", uint32(e.Action)).
			Str("detail", out.Detail).
			Msg("execution failed")
	}
	e.Reward = float32(out.Reward)
	seq := a.append(e)
	h.resolve(Settlement{
		Action:  e.Action,
		Outcome: e.Outcome,
		Reward:  out.Reward,
		Detail:  out.Detail,
		Seq:     seq,
	})
}

// expire records the timed out action and then the failsafe that replaces it.
func (a *Arbiter) expire(h *Handle, e experience.Entry) {
	if !h.claim() {
		return
	}
	a.timeouts.Add(1)
	e.Outcome = experience.OutcomeTimeout
	a.append(e)

	seq := a.logFailsafe(e.State, e.StateHash, e.Receipt, goalOf(e.Meta), CauseTimeout,
		fmt.Errorf("action %d did not complete", e.Action))
	h.resolve(Settlement{
		Action:   a.failsafe.ID,
		Outcome:  experience.OutcomeTimeout,
		Seq:      seq,
		Failsafe: true,
	})
}

// expired handles a decision whose deadline passed before dispatch: the chosen
// action is logged as timed out and the failsafe replaces it.
func (a *Arbiter) expired(d Decision, e experience.Entry, err error) Decision {
	a.timeouts.Add(1)
	e.Outcome = experience.OutcomeTimeout
	a.append(e)
	d.Handle = nil
	return a.fail(d, e.State, e.StateHash, goalOf(e.Meta), CauseTimeout, err)
}

// fail routes d to the failsafe action.
func (a *Arbiter) fail(d Decision, tok state.Token, hash uint64, goal string, cause Cause, err error) Decision {
	d.Trace = append(d.Trace, PhaseFailsafe, PhaseLog, PhaseDone)
	d.Path = experience.PathFailsafe
	d.Action = a.failsafe
	d.Cause = cause
	d.Confidence = 0

	seq := a.logFailsafe(tok, hash, d.Receipt, goal, cause, err)
	h := newHandle()
	h.claim()
	h.resolve(Settlement{
		Action:   a.failsafe.ID,
		Outcome:  experience.OutcomeFailsafe,
		Seq:      seq,
		Failsafe: true,
	})
	d.Handle = h
	return d
}

func (a *Arbiter) logFailsafe(tok state.Token, hash, receipt uint64, goal string, cause Cause, err error) uint64 {
	a.failsafes.Add(1)
	a.metrics.ObserveFailsafe(string(cause))
	a.log.Warn().
		Err(err).
		Uint64("receipt", receipt).
		Str("cause", string(cause)).
		Uint32("failsafe", uint32(a.failsafe.ID)).
		Msg("failsafe")
	return a.append(experience.Entry{
		State:      tok,
		StateHash:  hash,
		Action:     a.failsafe.ID,
		Path:       experience.PathFailsafe,
		Outcome:    experience.OutcomeFailsafe,
		Receipt:    receipt,
		Appraisals: noAppraisals(),
		Meta:       meta(goal, cause),
	})
}

func (a *Arbiter) append(e experience.Entry) uint64 {
	seq := a.Events.Append(e)
	a.metrics.ObserveAppend()
	return seq
}

// #endregion settle

// #region helpers
func noAppraisals() [experience.Slots]float32 {
	nan := float32(math.NaN())
	return [experience.Slots]float32{nan, nan, nan, nan}
}

func meta(goal string, cause Cause) *experience.Metadata {
	if goal == "" && cause == CauseNone {
		return nil
	}
	return &experience.Metadata{Goal: goal, Cause: string(cause)}
}

func goalOf(m *experience.Metadata) string {
	if m == nil {
		return ""
	}
	return m.Goal
}

// #endregion helpers
