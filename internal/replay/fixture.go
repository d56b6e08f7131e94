package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/engine"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string            `json:"description"`
	Config      FixtureConfig     `json:"config"`
	Failsafe    uint32            `json:"failsafe"`
	Actions     []FixtureAction   `json:"actions"`
	History     []FixtureHistory  `json:"history"`
	Steps       []FixtureStep     `json:"steps"`
	Expected    []FixtureExpected `json:"expected"`
}

// FixtureConfig overrides a handful of engine defaults.
type FixtureConfig struct {
	Epsilon    float64 `json:"epsilon"`
	Seed       uint64  `json:"seed"`
	Shift      int     `json:"shift"`
	MinSamples int     `json:"min_samples"`
	MaxPValue  float64 `json:"max_p_value"`
	TieBreak   string  `json:"tie_break"`
}

// FixtureAction mirrors action.Spec with JSON tags.
type FixtureAction struct {
	ID     uint32    `json:"id"`
	Name   string    `json:"name"`
	Kind   string    `json:"kind"`
	Cost   float64   `json:"cost"`
	Goals  []string  `json:"goals"`
	Safe   bool      `json:"safe"`
	Effect []float64 `json:"effect"`
}

// FixtureHistory is a run of past experiences in one state, one per reward.
type FixtureHistory struct {
	State   []float64 `json:"state"`
	Action  uint32    `json:"action"`
	Rewards []float64 `json:"rewards"`
}

// FixtureStep is one scripted input. Rewards and Failures are keyed by
// action name and apply to whichever action the engine picks. A step with
// Consolidate set runs a consolidation pass instead of a decision.
type FixtureStep struct {
	ID          string             `json:"id"`
	State       []float64          `json:"state"`
	Unsafe      bool               `json:"unsafe"`
	Goal        string             `json:"goal"`
	Rewards     map[string]float64 `json:"rewards"`
	Failures    []string           `json:"failures"`
	Consolidate bool               `json:"consolidate"`
}

// FixtureExpected is the expected outcome of one step. An empty Path or a
// zero Action is not checked.
type FixtureExpected struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Action uint32 `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToSpecs converts the fixture catalog to action specs.
func (f *Fixture) ToSpecs() []action.Spec {
	out := make([]action.Spec, 0, len(f.Actions))
	for _, a := range f.Actions {
		s := action.Spec{
			ID:    action.ID(a.ID),
			Name:  a.Name,
			Kind:  a.Kind,
			Cost:  a.Cost,
			Goals: a.Goals,
			Safe:  a.Safe,
		}
		copy(s.Effect[:], a.Effect)
		out = append(out, s)
	}
	return out
}

// ToEngineConfig applies the fixture overrides to the engine defaults. The
// periodic consolidation loop is disabled; steps trigger passes explicitly.
func (f *Fixture) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ConsolidationInterval = 0
	cfg.Arbiter.Failsafe = action.ID(f.Failsafe)
	cfg.Arbiter.Epsilon = f.Config.Epsilon
	if f.Config.Seed != 0 {
		cfg.Arbiter.Seed = f.Config.Seed
		cfg.Policy.Seed = f.Config.Seed
		cfg.Consolidation.Seed = f.Config.Seed
	}
	if f.Config.Shift > 0 {
		cfg.Shifts = spatial.UniformShifts(uint8(f.Config.Shift))
	}
	if f.Config.MinSamples > 0 {
		cfg.Consolidation.MinSamples = f.Config.MinSamples
	}
	if f.Config.MaxPValue > 0 {
		cfg.Consolidation.MaxPValue = f.Config.MaxPValue
	}
	if f.Config.TieBreak != "" {
		cfg.Policy.TieBreak = policy.TieBreak(f.Config.TieBreak)
	}
	return cfg
}

// Token converts the step state, setting the unsafe flag when requested.
func (s *FixtureStep) Token() (state.Token, error) {
	var flags state.Flags
	if s.Unsafe {
		flags |= state.FlagUnsafe
	}
	tok, err := state.FromFloats(s.State, flags)
	if err != nil {
		return state.Token{}, fmt.Errorf("step %s: %w", s.ID, err)
	}
	return tok, nil
}

// #endregion fixture-loader
