package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/arbiter"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region fixture-tests

// TestFixture_ReflexLearning is the primary regression test: if appraisal,
// consolidation or arbitration parameters drift, the expected paths break.
func TestFixture_ReflexLearning(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "reflex_learning.json"))
	require.NoError(t, err)

	h, err := New(f)
	require.NoError(t, err)
	defer h.Close()

	results, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(f.Steps))
	for _, m := range h.Check(results) {
		t.Error(m.String())
	}

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.StepID] = r
	}
	assert.Equal(t, 2, byID["c1"].Reflexes)
	assert.Equal(t, arbiter.CauseRejected, byID["s6"].Cause)
	assert.Equal(t, experience.OutcomeFailure, byID["s7"].Outcome)
	assert.Equal(t, "a", byID["s3"].ActionName)
	assert.InDelta(t, 1.0, byID["s3"].Reward, 1e-9)

	sum := Summarize(results)
	assert.Equal(t, 8, sum.TotalSteps)
	assert.Equal(t, 1, sum.Consolidations)
	assert.Equal(t, 3, sum.Fast)
	assert.Equal(t, 3, sum.Slow)
	assert.Equal(t, 1, sum.Failsafe)
	assert.Equal(t, 2, sum.Reflexes)
}

func TestLoadFixture_Errors(t *testing.T) {
	_, err := LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read fixture")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadFixture(bad)
	assert.ErrorContains(t, err, "parse fixture")
}

func TestFixture_Conversions(t *testing.T) {
	f := &Fixture{
		Failsafe: 1,
		Config:   FixtureConfig{Epsilon: 0.5, Seed: 9, Shift: 12, MinSamples: 4, TieBreak: "lowest_cost"},
		Actions: []FixtureAction{
			{ID: 1, Name: "hold", Kind: "noop", Safe: true},
			{ID: 2, Name: "push", Kind: "motor", Cost: 0.3, Effect: []float64{0.5}, Goals: []string{"move"}},
		},
	}
	specs := f.ToSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, action.ID(2), specs[1].ID)
	assert.Equal(t, 0.5, specs[1].Effect[0])
	assert.True(t, specs[1].Serves("move"))

	cfg := f.ToEngineConfig()
	assert.Equal(t, action.ID(1), cfg.Arbiter.Failsafe)
	assert.Equal(t, 0.5, cfg.Arbiter.Epsilon)
	assert.Equal(t, uint64(9), cfg.Arbiter.Seed)
	assert.Equal(t, uint8(12), cfg.Shifts[3])
	assert.Equal(t, 4, cfg.Consolidation.MinSamples)
	assert.Equal(t, policy.TieLowestCost, cfg.Policy.TieBreak)
	assert.Zero(t, cfg.ConsolidationInterval)

	step := FixtureStep{ID: "x", State: []float64{1, 2, 3, 4, 5, 6, 7, 8}, Unsafe: true}
	tok, err := step.Token()
	require.NoError(t, err)
	assert.True(t, tok.Flags.Has(state.FlagUnsafe))

	step.State = step.State[:3]
	_, err = step.Token()
	assert.ErrorIs(t, err, state.ErrDimension)
}

// #endregion fixture-tests
