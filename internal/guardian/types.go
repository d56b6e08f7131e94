// Package guardian gatekeeps every change to learned structure. Each proposal
// is pre-validated, applied to a private copy, post-validated and only then
// published with a version compare-and-swap.
package guardian

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
)

// #region kind
// Kind is the proposal variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindModifyConfidence
	KindCreateConnection
	KindDeleteConnection
	KindPromoteTier
	KindUpsertReflex
	KindRemoveReflex
	KindApproveAction
)

func (k Kind) String() string {
	switch k {
	case KindModifyConfidence:
		return "modify_confidence"
	case KindCreateConnection:
		return "create_connection"
	case KindDeleteConnection:
		return "delete_connection"
	case KindPromoteTier:
		return "promote_tier"
	case KindUpsertReflex:
		return "upsert_reflex"
	case KindRemoveReflex:
		return "remove_reflex"
	case KindApproveAction:
		return "approve_action"
	default:
		return "unknown"
	}
}

// #endregion kind

// #region reason
// ReasonCode says why a proposal was rejected.
type ReasonCode string

const (
	ReasonNone            ReasonCode = ""
	ReasonUnknownKind     ReasonCode = "unknown_kind"
	ReasonNotFound        ReasonCode = "not_found"
	ReasonImmutable       ReasonCode = "immutable"
	ReasonTierForbidden   ReasonCode = "tier_forbidden"
	ReasonOutOfRange      ReasonCode = "out_of_range"
	ReasonStepTooLarge    ReasonCode = "step_too_large"
	ReasonConstitution    ReasonCode = "constitution"
	ReasonDuplicate       ReasonCode = "duplicate"
	ReasonPremature       ReasonCode = "premature_promotion"
	ReasonDegreeLimit     ReasonCode = "degree_limit"
	ReasonCapacity        ReasonCode = "capacity"
	ReasonPostCheck       ReasonCode = "post_check"
	ReasonConflict        ReasonCode = "conflict"
	ReasonForbiddenAction ReasonCode = "forbidden_action"
)

// #endregion reason

// #region proposal
// Proposal is a requested change. Which fields matter depends on Kind:
//
//	ModifyConfidence  Conn, Delta
//	CreateConnection  Source, Target, Delta (offset from InitialConfidence)
//	DeleteConnection  Conn
//	PromoteTier       Conn
//	UpsertReflex      Hash, Candidate
//	RemoveReflex      Hash, Candidate.Action
type Proposal struct {
	Kind      Kind
	Conn      graph.ConnID
	Source    graph.NodeID
	Target    graph.NodeID
	Delta     int
	Tier      graph.Tier // CreateConnection: must be Hypothesis or unset
	Hash      uint64
	Candidate reflex.Candidate
	Origin    string // who proposed it, for logs
}

// #endregion proposal

// #region constitution
// Constitution is the fixed profile of hard limits every proposal is held to.
type Constitution struct {
	ConfidenceFloor        uint8
	ConfidenceCeiling      uint8
	MaxStep                int // largest |Delta| per proposal
	MaxOutDegree           int
	MaxConnections         int
	InitialConfidence      uint8
	PromoteMinActivations  uint8
	PromoteMinConfidence   uint8
	PromotedRigidity       float32
	PruneCeiling           uint8 // connections above this confidence cannot be deleted
	MinReflexStrength      float64
	ForbiddenReflexActions []action.ID
	MaxActionCost          float64 // 0 disables the cap
}

// DefaultConstitution returns the built-in limits.
func DefaultConstitution() Constitution {
	return Constitution{
		ConfidenceFloor:       0,
		ConfidenceCeiling:     255,
		MaxStep:               64,
		MaxOutDegree:          64,
		MaxConnections:        1 << 20,
		InitialConfidence:     128,
		PromoteMinActivations: 3,
		PromoteMinConfidence:  160,
		PromotedRigidity:      0.5,
		PruneCeiling:          64,
		MinReflexStrength:     0.05,
	}
}

func (c Constitution) forbidsReflex(id action.ID) bool {
	for _, f := range c.ForbiddenReflexActions {
		if f == id {
			return true
		}
	}
	return false
}

// #endregion constitution

// #region verdict
// Verdict is the result of Submit or ApproveAction.
type Verdict struct {
	Kind     Kind
	Accepted bool
	Reason   ReasonCode
	Detail   string
	Before   graph.Connection // connection kinds only
	After    graph.Connection // connection kinds only; zero after delete
}

// Err returns nil for accepted verdicts and a *RejectedError otherwise.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectedError{Kind: v.Kind, Reason: v.Reason, Detail: v.Detail}
}

// ErrRejected matches every *RejectedError with errors.Is.
var ErrRejected = errors.New("guardian: proposal rejected")

// RejectedError carries the reason a proposal was declined.
type RejectedError struct {
	Kind   Kind
	Reason ReasonCode
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("guardian: %s rejected: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("guardian: %s rejected: %s: %s", e.Kind, e.Reason, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// #endregion verdict

// #region observer
// Observer is told about every verdict. metrics.Metrics implements it.
type Observer interface {
	ObserveVerdict(kind string, accepted bool, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveVerdict(string, bool, string) {}

// Stats counts verdicts.
type Stats struct {
	Accepted uint64
	Rejected uint64
}

// #endregion observer
