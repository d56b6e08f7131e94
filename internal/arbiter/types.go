// Package arbiter runs the decision cycle: reflex lookup, slow-path
// evaluation on a miss, guardian approval, execution and logging, with a
// failsafe route whenever any step cannot complete.
package arbiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region phase
// Phase is one step of the decision state machine.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseTryFast  Phase = "try_fast"
	PhaseFastHit  Phase = "fast_hit"
	PhaseFastMiss Phase = "fast_miss"
	PhaseTrySlow  Phase = "try_slow"
	PhaseValidate Phase = "validate"
	PhaseExecute  Phase = "execute"
	PhaseLog      Phase = "log"
	PhaseDone     Phase = "done"
	PhaseFailsafe Phase = "failsafe"
)

// Cause says why a decision fell back to the failsafe action.
type Cause string

const (
	CauseNone         Cause = ""
	CauseEvaluation   Cause = "evaluation"
	CauseRejected     Cause = "rejected"
	CauseNoExecutor   Cause = "no_executor"
	CauseExecuteError Cause = "execute_error"
	CauseTimeout      Cause = "timeout"
)

// #endregion phase

// #region config
// Config tunes the arbiter.
type Config struct {
	Epsilon        float64       // probability of exploring the slow path on a reflex hit
	Seed           uint64        // exploration rng seed
	Failsafe       action.ID     // must be registered and Safe
	HistoryWindow  int           // recent experiences handed to the evaluator
	DefaultTimeout time.Duration // execution timeout when Input.Timeout is 0; 0 means none
}

// DefaultConfig returns sensible defaults. Failsafe must still be set.
func DefaultConfig() Config {
	return Config{
		Epsilon:       0.05,
		Seed:          1,
		HistoryWindow: 256,
	}
}

// #endregion config

// #region input
// Input is one raw situation to decide on.
type Input struct {
	Values  []float64
	Flags   state.Flags
	Goal    string
	Timeout time.Duration
}

var (
	// ErrMalformedInput wraps the state validation error. It is the only
	// error Decide returns.
	ErrMalformedInput = errors.New("arbiter: malformed input")
	ErrNoFailsafe     = errors.New("arbiter: failsafe action must be registered and safe")
)

// #endregion input

// #region decision
// Decision is the result of one cycle. The action has been dispatched (or
// the failsafe taken) by the time it is returned.
type Decision struct {
	Receipt    uint64
	Action     action.Spec
	Path       experience.Path
	Confidence float64
	Explored   bool
	Trace      []Phase
	Cause      Cause
	Handle     *Handle
}

// Settlement is how a dispatched action ended.
type Settlement struct {
	Action   action.ID
	Outcome  experience.Outcome
	Reward   float64
	Detail   string
	Seq      uint64 // event log sequence of the final entry
	Failsafe bool
}

// Handle tracks a dispatched action until it settles.
type Handle struct {
	claimed atomic.Bool
	done    chan struct{}
	s       Settlement
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// claim reserves the right to settle. Only the first caller wins, so a late
// completion after a timeout is dropped.
func (h *Handle) claim() bool {
	return h.claimed.CompareAndSwap(false, true)
}

func (h *Handle) resolve(s Settlement) {
	h.s = s
	close(h.done)
}

// Done is closed once the action settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the action settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Settlement, error) {
	select {
	case <-h.done:
		return h.s, nil
	case <-ctx.Done():
		return Settlement{}, ctx.Err()
	}
}

// Settled returns the settlement without blocking.
func (h *Handle) Settled() (Settlement, bool) {
	select {
	case <-h.done:
		return h.s, true
	default:
		return Settlement{}, false
	}
}

// #endregion decision

// #region stats
// Stats counts decisions by path.
type Stats struct {
	Decisions uint64
	Fast      uint64
	Slow      uint64
	Failsafe  uint64 // includes decisions that timed out after dispatch
	Explored  uint64
	Timeouts  uint64
	Failures  uint64 // executions that reported Success=false
}

// FastPathRatio is the share of decisions served by the reflex cache.
func (s Stats) FastPathRatio() float64 {
	if s.Decisions == 0 {
		return 0
	}
	return float64(s.Fast) / float64(s.Decisions)
}

// #endregion stats
