package arbiter

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/appraisal"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region fixtures
const (
	hold  action.ID = 1
	left  action.ID = 2
	right action.ID = 3
)

type fixture struct {
	arb    *Arbiter
	cache  *reflex.Cache
	events *experience.Log
	calls  *atomic.Int64
}

func okExecutor(calls *atomic.Int64, reward float64) executor.Executor {
	return executor.Func(func(context.Context, executor.Request) (executor.Outcome, error) {
		calls.Add(1)
		return executor.Outcome{Success: true, Reward: reward}, nil
	})
}

func newFixture(t *testing.T, exec func(calls *atomic.Int64) executor.Executor, mutate func(*Config)) fixture {
	t.Helper()
	cat, err := action.NewCatalog(
		action.Spec{ID: hold, Name: "hold", Kind: "none", Safe: true},
		action.Spec{ID: left, Name: "left", Kind: "motor", Cost: 2},
		action.Spec{ID: right, Name: "right", Kind: "motor", Cost: 1},
	)
	require.NoError(t, err)

	cache := reflex.New(reflex.DefaultConfig())
	events := experience.NewLog(1024)
	gd := guardian.New(graph.New(4), cache, cat, guardian.DefaultConstitution())
	pcfg := policy.DefaultConfig()
	pcfg.Failsafe = hold
	ev := policy.New(cat, []appraisal.Appraiser{appraisal.Cost{MaxCost: 4}}, pcfg, zerolog.Nop())

	calls := &atomic.Int64{}
	var ex executor.Executor
	if exec != nil {
		ex = exec(calls)
	}
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	cfg.Failsafe = hold
	if mutate != nil {
		mutate(&cfg)
	}
	arb, err := New(Deps{
		Shifts:    spatial.DefaultShifts(),
		Cache:     cache,
		Evaluator: ev,
		Guardian:  gd,
		Executor:  ex,
		Events:    events,
		Catalog:   cat,
	}, cfg)
	require.NoError(t, err)
	return fixture{arb: arb, cache: cache, events: events, calls: calls}
}

func reward(r float64) func(*atomic.Int64) executor.Executor {
	return func(calls *atomic.Int64) executor.Executor { return okExecutor(calls, r) }
}

func vals(v0 float64) []float64 {
	return []float64{v0, 0, 0, 0, 0, 0, 0, 0}
}

func settle(t *testing.T, d Decision) Settlement {
	t.Helper()
	require.NotNil(t, d.Handle)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := d.Handle.Wait(ctx)
	require.NoError(t, err)
	return s
}

func (f fixture) teach(v0 float64, id action.ID) {
	tok := state.MustFromFloats(0, vals(v0)...)
	f.cache.Insert(spatial.Hash(tok, spatial.DefaultShifts()), reflex.Candidate{Action: id, Strength: 0.9, Representative: tok})
}

// #endregion fixtures

// #region construction-tests
func TestNewRequiresSafeFailsafe(t *testing.T) {
	cat, err := action.NewCatalog(action.Spec{ID: 1, Name: "hold"})
	require.NoError(t, err)
	_, err = New(Deps{Catalog: cat}, Config{Failsafe: 1})
	assert.ErrorIs(t, err, ErrNoFailsafe)
	_, err = New(Deps{Catalog: cat}, Config{Failsafe: 9})
	assert.ErrorIs(t, err, ErrNoFailsafe)
}

// #endregion construction-tests

// #region path-tests
func TestFastPathHit(t *testing.T) {
	f := newFixture(t, reward(1), nil)
	f.teach(0.6, left)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(0.6), Goal: "reach"})
	require.NoError(t, err)
	assert.Equal(t, experience.PathFast, d.Path)
	assert.Equal(t, left, d.Action.ID)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Equal(t, []Phase{PhaseStart, PhaseTryFast, PhaseFastHit, PhaseValidate, PhaseExecute, PhaseLog, PhaseDone}, d.Trace)

	s := settle(t, d)
	assert.Equal(t, experience.OutcomeSuccess, s.Outcome)
	assert.False(t, s.Failsafe)

	e, ok := f.events.Get(s.Seq)
	require.True(t, ok)
	assert.Equal(t, experience.PathFast, e.Path)
	assert.Equal(t, left, e.Action)
	assert.Equal(t, float32(1), e.Reward)
	assert.Equal(t, d.Receipt, e.Receipt)
	assert.True(t, math.IsNaN(float64(e.Appraisals[0])))
	require.NotNil(t, e.Meta)
	assert.Equal(t, "reach", e.Meta.Goal)
}

func TestSlowPathOnMiss(t *testing.T) {
	f := newFixture(t, reward(0.5), nil)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(3)})
	require.NoError(t, err)
	assert.Equal(t, experience.PathSlow, d.Path)
	assert.Equal(t, right, d.Action.ID, "cheaper action wins")
	assert.Equal(t, []Phase{PhaseStart, PhaseTryFast, PhaseFastMiss, PhaseTrySlow, PhaseValidate, PhaseExecute, PhaseLog, PhaseDone}, d.Trace)
	assert.Greater(t, d.Confidence, 0.5)

	s := settle(t, d)
	e, _ := f.events.Get(s.Seq)
	assert.Equal(t, experience.PathSlow, e.Path)
	assert.False(t, math.IsNaN(float64(e.Appraisals[appraisal.SlotOf("cost")])))
}

func TestExplorationTakesSlowPath(t *testing.T) {
	f := newFixture(t, reward(0), func(c *Config) { c.Epsilon = 1 })
	f.teach(0.6, left)

	d := f.arb.DecideToken(context.Background(), state.MustFromFloats(0, vals(0.6)...), "")
	assert.True(t, d.Explored)
	assert.Equal(t, experience.PathSlow, d.Path)
	assert.Contains(t, d.Trace, PhaseFastHit)
	assert.Contains(t, d.Trace, PhaseTrySlow)
	settle(t, d)
	assert.Equal(t, uint64(1), f.arb.Stats().Explored)
}

// #endregion path-tests

// #region input-tests
func TestMalformedInput(t *testing.T) {
	f := newFixture(t, reward(0), nil)

	_, err := f.arb.Decide(context.Background(), Input{Values: []float64{1, 2, 3}})
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.ErrorIs(t, err, state.ErrDimension)

	_, err = f.arb.Decide(context.Background(), Input{Values: vals(math.NaN())})
	assert.ErrorIs(t, err, state.ErrNotFinite)

	_, err = f.arb.Decide(context.Background(), Input{Values: vals(1e12)})
	assert.ErrorIs(t, err, state.ErrOutOfRange)

	assert.Zero(t, f.arb.Stats().Decisions)
	assert.Zero(t, f.events.Len())
}

// #endregion input-tests

// #region failsafe-tests
func TestFailsafeWithoutExecutor(t *testing.T) {
	f := newFixture(t, nil, nil)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(0.1)})
	require.NoError(t, err)
	assert.Equal(t, experience.PathFailsafe, d.Path)
	assert.Equal(t, hold, d.Action.ID)
	assert.Equal(t, CauseNoExecutor, d.Cause)
	assert.Equal(t, PhaseDone, d.Trace[len(d.Trace)-1])
	assert.Contains(t, d.Trace, PhaseFailsafe)

	s, ok := d.Handle.Settled()
	require.True(t, ok)
	assert.True(t, s.Failsafe)
	e, ok := f.events.Get(s.Seq)
	require.True(t, ok)
	assert.Equal(t, experience.PathFailsafe, e.Path)
	assert.Equal(t, experience.OutcomeFailsafe, e.Outcome)
	assert.Equal(t, "no_executor", e.Meta.Cause)
}

func TestFailsafeOnUnroutableKind(t *testing.T) {
	f := newFixture(t, func(*atomic.Int64) executor.Executor { return executor.NewRegistry() }, nil)
	d, err := f.arb.Decide(context.Background(), Input{Values: vals(0.1)})
	require.NoError(t, err)
	assert.Equal(t, CauseNoExecutor, d.Cause)
}

func TestFailsafeOnRejectedReflex(t *testing.T) {
	f := newFixture(t, reward(1), nil)
	f.teach(0.6, left)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(0.6), Flags: state.FlagUnsafe})
	require.NoError(t, err)
	assert.Equal(t, CauseRejected, d.Cause)
	assert.Equal(t, hold, d.Action.ID)
	assert.Zero(t, f.calls.Load())
}

func TestFailsafeOnEvaluationError(t *testing.T) {
	f := newFixture(t, reward(1), nil)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(5), Flags: state.FlagUnsafe})
	require.NoError(t, err)
	assert.Equal(t, CauseEvaluation, d.Cause)
	assert.Equal(t, experience.PathFailsafe, d.Path)
	assert.Equal(t, uint64(1), f.arb.Stats().Failsafe)
}

func TestTimeoutRoutesToFailsafe(t *testing.T) {
	release := make(chan struct{})
	stuck := func(*atomic.Int64) executor.Executor {
		return executor.Func(func(ctx context.Context, _ executor.Request) (executor.Outcome, error) {
			<-release
			return executor.Outcome{Success: true, Reward: 1}, nil
		})
	}
	f := newFixture(t, stuck, nil)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(0.2), Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, experience.PathSlow, d.Path)

	s := settle(t, d)
	assert.True(t, s.Failsafe)
	assert.Equal(t, experience.OutcomeTimeout, s.Outcome)
	assert.Equal(t, hold, s.Action)

	close(release)
	time.Sleep(20 * time.Millisecond)

	entries := f.events.Snapshot()
	require.Len(t, entries, 2, "late completion is dropped")
	assert.Equal(t, experience.OutcomeTimeout, entries[0].Outcome)
	assert.Equal(t, right, entries[0].Action)
	assert.Equal(t, experience.PathFailsafe, entries[1].Path)
	assert.Equal(t, "timeout", entries[1].Meta.Cause)

	st := f.arb.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Equal(t, uint64(1), st.Failsafe)
}

func TestCallerDeadlineShorterThanTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := func(*atomic.Int64) executor.Executor {
		return executor.Func(func(context.Context, executor.Request) (executor.Outcome, error) {
			<-release
			return executor.Outcome{Success: true}, nil
		})
	}
	f := newFixture(t, stuck, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d, err := f.arb.Decide(ctx, Input{Values: vals(0.2), Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, experience.PathSlow, d.Path)

	s := settle(t, d)
	assert.True(t, s.Failsafe)
	assert.Equal(t, experience.OutcomeTimeout, s.Outcome)

	entries := f.events.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, experience.OutcomeTimeout, entries[0].Outcome)
	assert.Equal(t, right, entries[0].Action)
	assert.Equal(t, "timeout", entries[1].Meta.Cause)
	assert.Equal(t, uint64(1), f.arb.Stats().Timeouts)
}

func TestExpiredCallerDeadlineSkipsExecution(t *testing.T) {
	f := newFixture(t, reward(1), nil)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()
	d, err := f.arb.Decide(ctx, Input{Values: vals(0.2), Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, experience.PathFailsafe, d.Path)
	assert.Equal(t, CauseTimeout, d.Cause)
	assert.Equal(t, hold, d.Action.ID)
	assert.Equal(t, int64(0), f.calls.Load())

	s := settle(t, d)
	assert.True(t, s.Failsafe)
	assert.Equal(t, hold, s.Action)

	entries := f.events.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, experience.OutcomeTimeout, entries[0].Outcome)
	assert.Equal(t, right, entries[0].Action)
	assert.Equal(t, experience.PathFailsafe, entries[1].Path)
	assert.Equal(t, "timeout", entries[1].Meta.Cause)

	st := f.arb.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Equal(t, uint64(1), st.Failsafe)
}

func TestExecutionFailureIsLoggedNotRetried(t *testing.T) {
	failing := func(calls *atomic.Int64) executor.Executor {
		return executor.Func(func(context.Context, executor.Request) (executor.Outcome, error) {
			calls.Add(1)
			return executor.Outcome{Success: false, Reward: -1, Detail: "blocked"}, nil
		})
	}
	f := newFixture(t, failing, nil)

	d, err := f.arb.Decide(context.Background(), Input{Values: vals(0.2)})
	require.NoError(t, err)
	s := settle(t, d)
	assert.Equal(t, experience.OutcomeFailure, s.Outcome)
	assert.False(t, s.Failsafe)
	assert.Equal(t, "blocked", s.Detail)
	assert.Equal(t, int64(1), f.calls.Load())
	assert.Equal(t, uint64(1), f.arb.Stats().Failures)
}

// #endregion failsafe-tests

// #region batch-tests
func TestDecideBatch(t *testing.T) {
	f := newFixture(t, reward(1), nil)
	f.teach(0.6, left)

	ins := make([]Input, 64)
	for i := range ins {
		ins[i] = Input{Values: vals(0.6)}
		if i%2 == 1 {
			ins[i] = Input{Values: vals(4)}
		}
	}
	ins[7] = Input{Values: []float64{1}}

	out, err := f.arb.DecideBatch(context.Background(), ins)
	assert.ErrorIs(t, err, ErrMalformedInput)
	assert.Zero(t, out[7].Receipt)

	receipts := map[uint64]bool{}
	for i, d := range out {
		if i == 7 {
			continue
		}
		require.NotZero(t, d.Receipt)
		assert.False(t, receipts[d.Receipt], "receipts are unique")
		receipts[d.Receipt] = true
		settle(t, d)
	}

	st := f.arb.Stats()
	assert.Equal(t, uint64(63), st.Decisions)
	assert.Equal(t, uint64(32), st.Fast)
	assert.Equal(t, uint64(31), st.Slow)
	assert.InDelta(t, 32.0/63.0, st.FastPathRatio(), 1e-9)
	assert.Equal(t, int64(63), f.calls.Load())
}

func TestFastPathRatioEmpty(t *testing.T) {
	assert.Zero(t, Stats{}.FastPathRatio())
}

// #endregion batch-tests
