package graph

import (
	"errors"

	"github.com/danielpatrickdp/reflexcore/internal/action"
)

// #region ids
// ConnID identifies a Connection. Zero is never assigned.
type ConnID uint64

// NodeID identifies a graph node: a state cell (its grid hash) or an action.
type NodeID uint64

const (
	actionNamespace NodeID = 0xA5C3_96E1_0000_0000
	namespaceMask   NodeID = 0xFFFF_FFFF_0000_0000
)

// ActionNode returns the node id for an action.
func ActionNode(id action.ID) NodeID {
	return actionNamespace | NodeID(id)
}

// ActionOf returns the action behind an action node.
func ActionOf(n NodeID) (action.ID, bool) {
	if n&namespaceMask != actionNamespace {
		return 0, false
	}
	return action.ID(n &^ namespaceMask), true
}

// #endregion ids

// #region tier
// Tier is the mutability tier of a Connection.
type Tier uint8

const (
	TierUnknown Tier = iota
	// TierImmutable connections reject every proposal.
	TierImmutable
	// TierLearnable connections have been promoted after repeated reinforcement.
	TierLearnable
	// TierHypothesis connections are newly observed associations.
	TierHypothesis
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierImmutable:
		return "immutable"
	case TierLearnable:
		return "learnable"
	case TierHypothesis:
		return "hypothesis"
	default:
		return "unknown"
	}
}

// Mutable reports whether proposals may target connections of this tier.
func (t Tier) Mutable() bool {
	return t == TierLearnable || t == TierHypothesis
}

// #endregion tier

// #region connection
// Connection is a learnable directed edge between two nodes.
type Connection struct {
	ID          ConnID
	Source      NodeID
	Target      NodeID
	Confidence  uint8
	Activations uint8
	Rigidity    float32 // 1 means the edge never decays
	Tier        Tier
	Version     uint32
}

// Weight returns confidence scaled to [0, 1].
func (c Connection) Weight() float64 {
	return float64(c.Confidence) / 255
}

// SaturatingAdd adds d to v, clamping to [0, 255].
func SaturatingAdd(v uint8, d int) uint8 {
	n := int(v) + d
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}

// #endregion connection

// #region walk-result
// WalkResult holds an ordered path from a graph walk.
type WalkResult struct {
	IDs    []NodeID  // node IDs in walk order
	Scores []float64 // cumulative scores at each node
}

// #endregion walk-result

// #region decay
// Decay is a suggested confidence reduction for one connection.
type Decay struct {
	ID    ConnID
	Delta int
}

// #endregion decay

// #region errors
var (
	ErrNotFound  = errors.New("graph: connection not found")
	ErrDuplicate = errors.New("graph: connection already exists")
	ErrConflict  = errors.New("graph: version conflict")
	ErrCapacity  = errors.New("graph: connection limit reached")
)

// #endregion errors
