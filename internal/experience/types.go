// Package experience records every decision and its outcome in a bounded,
// lock-free ring and offers sampling strategies over it.
package experience

import (
	"errors"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region path
// Path tags which route produced a decision.
type Path uint8

const (
	PathUnknown Path = iota
	PathFast
	PathSlow
	PathFailsafe
)

func (p Path) String() string {
	switch p {
	case PathFast:
		return "fast"
	case PathSlow:
		return "slow"
	case PathFailsafe:
		return "failsafe"
	default:
		return "unknown"
	}
}

// ParsePath is the inverse of Path.String.
func ParsePath(s string) Path {
	switch s {
	case "fast":
		return PathFast
	case "slow":
		return PathSlow
	case "failsafe":
		return PathFailsafe
	default:
		return PathUnknown
	}
}

// #endregion path

// #region outcome
// Outcome is how the executor reported the action.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeTimeout
	OutcomeFailsafe
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFailsafe:
		return "failsafe"
	default:
		return "unknown"
	}
}

// #endregion outcome

// #region entry
// Slots is the number of per-appraiser score slots in an Entry.
const Slots = 4

// Metadata is optional out-of-line context. It is not part of the fixed record.
type Metadata struct {
	Goal   string            `json:"goal,omitempty"`
	Cause  string            `json:"cause,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Entry is one logged decision. Entries are never mutated after Append.
type Entry struct {
	Seq        uint64
	Timestamp  int64 // unix nanos
	State      state.Token
	StateHash  uint64
	Action     action.ID
	Path       Path
	Outcome    Outcome
	Reward     float32
	Appraisals [Slots]float32 // NaN where the appraiser was excluded
	Receipt    uint64
	Meta       *Metadata
}

// #endregion entry

var (
	ErrShortRecord   = errors.New("experience: short record")
	ErrRecordVersion = errors.New("experience: unknown record version")
)
