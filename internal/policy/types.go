// Package policy is the slow path: it combines appraiser scores into a
// ranking over eligible actions and picks one with a confidence estimate.
package policy

import (
	"errors"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region tiebreak
// TieBreak decides between actions with equal combined scores.
type TieBreak string

const (
	TieLowestID   TieBreak = "lowest_id"
	TieLowestCost TieBreak = "lowest_cost"
	TieRandom     TieBreak = "random"
)

// Valid reports whether t is a known rule.
func (t TieBreak) Valid() bool {
	switch t {
	case TieLowestID, TieLowestCost, TieRandom:
		return true
	}
	return false
}

// #endregion tiebreak

// #region config
// Config tunes the evaluator.
type Config struct {
	Weights     map[string]float64 // by appraiser name; missing names weigh 1
	TieBreak    TieBreak
	Temperature float64 // softmax temperature for Confidence
	Seed        uint64  // for TieRandom
	Failsafe    action.ID
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			"homeostatic": 1,
			"novelty":     0.5,
			"cost":        0.5,
			"valence":     1.5,
		},
		TieBreak:    TieLowestID,
		Temperature: 0.25,
		Seed:        1,
	}
}

// #endregion config

// #region request
// Request is one slow-path evaluation.
type Request struct {
	State   state.Token
	Cell    uint64
	Goal    string
	History []experience.Entry
}

// Score is one ranked action.
type Score struct {
	Action action.ID
	Total  float64
}

// Exclusion records an appraiser dropped from this evaluation.
type Exclusion struct {
	Appraiser string
	Err       error
}

// Result is the outcome of Evaluate.
type Result struct {
	Action     action.Spec
	Score      float64
	Confidence float64 // softmax probability of the winner
	Ranking    []Score // best first
	Appraisals [experience.Slots]float32
	Excluded   []Exclusion
}

// #endregion request

// ErrNoCandidates is returned when no action may be taken in the state.
var ErrNoCandidates = errors.New("policy: no eligible actions")
