// Package appraisal holds the independent scoring functions the slow path
// combines. Every Appraiser is pure: the same Input always yields the same
// scores.
package appraisal

import (
	"errors"
	"math"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region input
// Input is everything an appraiser may look at for one state.
type Input struct {
	State   state.Token
	Cell    uint64 // spatial hash of State
	Goal    string
	Actions []action.Spec
	History []experience.Entry // oldest first
}

// #endregion input

// #region appraiser
// Appraiser scores every action in Input.Actions. Scores are in [-1, 1] and
// aligned with Input.Actions. An error excludes the appraiser for the whole
// state, never for a single action.
type Appraiser interface {
	Name() string
	Appraise(in Input) ([]float64, error)
}

// Slot positions in experience.Entry.Appraisals.
const (
	SlotHomeostatic = iota
	SlotNovelty
	SlotCost
	SlotValence
)

// SlotOf returns the record slot for a built-in appraiser name, or -1.
func SlotOf(name string) int {
	switch name {
	case "homeostatic":
		return SlotHomeostatic
	case "novelty":
		return SlotNovelty
	case "cost":
		return SlotCost
	case "valence":
		return SlotValence
	default:
		return -1
	}
}

// #endregion appraiser

var (
	// ErrInsufficientHistory is returned by Novelty when the history is too short.
	ErrInsufficientHistory = errors.New("appraisal: insufficient history")
	// ErrNoSignal is returned by Valence when the state has no learned edges and no goal.
	ErrNoSignal = errors.New("appraisal: no valence signal")
)

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
