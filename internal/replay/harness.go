// Package replay drives recorded fixtures through a fully built engine with a
// scripted executor, so learning behavior can be regression tested offline.
package replay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/arbiter"
	"github.com/danielpatrickdp/reflexcore/internal/engine"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// settleTimeout bounds the wait for one scripted execution.
const settleTimeout = 5 * time.Second

// #region types
// Result captures the outcome of one replayed step.
type Result struct {
	StepID      string
	Consolidate bool
	Path        experience.Path
	Action      action.ID
	ActionName  string
	Cause       arbiter.Cause
	Confidence  float64
	Explored    bool
	Outcome     experience.Outcome
	Reward      float64
	Reflexes    int // cache size after a consolidation step
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalSteps     int
	Fast           int
	Slow           int
	Failsafe       int
	Consolidations int
	Reflexes       int
	MeanReward     float64
}

// Mismatch is a step whose result differs from the fixture expectation.
type Mismatch struct {
	StepID string
	Field  string
	Want   string
	Got    string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s want %s got %s", m.StepID, m.Field, m.Want, m.Got)
}

// #endregion types

// #region harness
// Harness owns an engine built from a fixture.
type Harness struct {
	fixture *Fixture
	engine  *engine.Engine
	names   map[action.ID]string
	current atomic.Pointer[FixtureStep]
}

// Option adjusts the engine builder before Build.
type Option func(*engine.Builder)

// WithLogger routes engine logs to l.
func WithLogger(l zerolog.Logger) Option {
	return func(b *engine.Builder) { b.WithLogger(l) }
}

// New builds the engine, registers the scripted executor for every action
// kind except the failsafe's, and appends the fixture history to the log.
func New(f *Fixture, opts ...Option) (*Harness, error) {
	h := &Harness{fixture: f, names: make(map[action.ID]string, len(f.Actions))}
	specs := f.ToSpecs()
	b := engine.NewBuilder(f.ToEngineConfig()).WithActions(specs...)

	kinds := map[string]bool{}
	for _, s := range specs {
		h.names[s.ID] = s.Name
		if s.ID != action.ID(f.Failsafe) {
			kinds[s.Kind] = true
		}
	}
	for kind := range kinds {
		b.WithExecutor(kind, executor.Func(h.execute))
	}
	for _, opt := range opts {
		opt(b)
	}

	eng, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	h.engine = eng

	shifts := eng.Grid.Shifts()
	for i, hist := range f.History {
		tok, err := state.FromFloats(hist.State, 0)
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("history %d: %w", i, err)
		}
		hash := spatial.Hash(tok, shifts)
		for _, r := range hist.Rewards {
			eng.Log.Append(experience.Entry{
				Timestamp: time.Now().UnixNano(),
				State:     tok,
				StateHash: hash,
				Action:    action.ID(hist.Action),
				Path:      experience.PathSlow,
				Outcome:   experience.OutcomeSuccess,
				Reward:    float32(r),
			})
		}
	}
	return h, nil
}

// Engine exposes the underlying engine for inspection.
func (h *Harness) Engine() *engine.Engine {
	return h.engine
}

// Close releases the engine.
func (h *Harness) Close() error {
	return h.engine.Close()
}

// execute is the scripted executor: the current step decides reward and
// success by action name.
func (h *Harness) execute(_ context.Context, req executor.Request) (executor.Outcome, error) {
	step := h.current.Load()
	if step == nil {
		return executor.Outcome{Success: true}, nil
	}
	name := req.Action.Name
	for _, f := range step.Failures {
		if f == name {
			return executor.Outcome{Success: false, Reward: step.Rewards[name], Detail: "scripted failure"}, nil
		}
	}
	return executor.Outcome{Success: true, Reward: step.Rewards[name]}, nil
}

// #endregion harness

// #region replay
// Run replays every step in order, waiting for each execution to settle
// before the next step.
func (h *Harness) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(h.fixture.Steps))
	for i := range h.fixture.Steps {
		step := &h.fixture.Steps[i]
		if step.Consolidate {
			h.engine.Consolidate(ctx)
			results = append(results, Result{
				StepID:      step.ID,
				Consolidate: true,
				Reflexes:    h.engine.Cache.Len(),
			})
			continue
		}

		tok, err := step.Token()
		if err != nil {
			return results, err
		}
		h.current.Store(step)
		d := h.engine.Arbiter.DecideToken(ctx, tok, step.Goal)

		r := Result{
			StepID:     step.ID,
			Path:       d.Path,
			Action:     d.Action.ID,
			ActionName: h.names[d.Action.ID],
			Cause:      d.Cause,
			Confidence: d.Confidence,
			Explored:   d.Explored,
		}
		wctx, cancel := context.WithTimeout(ctx, settleTimeout)
		s, err := d.Handle.Wait(wctx)
		cancel()
		if err != nil {
			return results, fmt.Errorf("step %s: %w", step.ID, err)
		}
		r.Outcome = s.Outcome
		r.Reward = s.Reward
		if s.Failsafe && d.Path != experience.PathFailsafe {
			r.Path = experience.PathFailsafe
			r.Cause = arbiter.CauseTimeout
		}
		results = append(results, r)
	}
	h.current.Store(nil)
	return results, nil
}

// Check compares results against the fixture expectations.
func (h *Harness) Check(results []Result) []Mismatch {
	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.StepID] = r
	}
	var out []Mismatch
	for _, exp := range h.fixture.Expected {
		r, ok := byID[exp.ID]
		if !ok {
			out = append(out, Mismatch{StepID: exp.ID, Field: "step", Want: "present", Got: "missing"})
			continue
		}
		if exp.Path != "" && r.Path.String() != exp.Path {
			out = append(out, Mismatch{StepID: exp.ID, Field: "path", Want: exp.Path, Got: r.Path.String()})
		}
		if exp.Action != 0 && uint32(r.Action) != exp.Action {
			out = append(out, Mismatch{
				StepID: exp.ID,
				Field:  "action",
				Want:   fmt.Sprint(exp.Action),
				Got:    fmt.Sprint(uint32(r.Action)),
			})
		}
	}
	return out
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	var (
		s       Summary
		rewards float64
		n       int
	)
	for _, r := range results {
		s.TotalSteps++
		if r.Consolidate {
			s.Consolidations++
			s.Reflexes = r.Reflexes
			continue
		}
		switch r.Path {
		case experience.PathFast:
			s.Fast++
		case experience.PathSlow:
			s.Slow++
		case experience.PathFailsafe:
			s.Failsafe++
		}
		rewards += r.Reward
		n++
	}
	if n > 0 {
		s.MeanReward = rewards / float64(n)
	}
	return s
}

// #endregion replay
