package guardian

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region guardian
const stripeCount = 64

// Guardian owns all writes to the graph and the reflex cache.
type Guardian struct {
	graph   *graph.Graph
	cache   *reflex.Cache
	catalog *action.Catalog
	cons    Constitution
	log     zerolog.Logger
	obs     Observer

	stripes [stripeCount]sync.Mutex

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithLogger sets the logger. Rejections are logged at debug.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Guardian) { g.log = l }
}

// WithObserver sets the verdict observer.
func WithObserver(o Observer) Option {
	return func(g *Guardian) {
		if o != nil {
			g.obs = o
		}
	}
}

// New creates a guardian over the given structures.
func New(g *graph.Graph, cache *reflex.Cache, catalog *action.Catalog, cons Constitution, opts ...Option) *Guardian {
	gd := &Guardian{
		graph:   g,
		cache:   cache,
		catalog: catalog,
		cons:    cons,
		log:     zerolog.Nop(),
		obs:     nopObserver{},
	}
	for _, opt := range opts {
		opt(gd)
	}
	return gd
}

// Constitution returns the active limits.
func (g *Guardian) Constitution() Constitution {
	return g.cons
}

// Stats returns verdict counts.
func (g *Guardian) Stats() Stats {
	return Stats{Accepted: g.accepted.Load(), Rejected: g.rejected.Load()}
}

// stripe serializes proposals that touch the same target. Keys from
// different spaces are tagged so they rarely share a stripe.
func (g *Guardian) stripe(tag, key uint64) *sync.Mutex {
	h := (key ^ tag) * 0x9E3779B97F4A7C15
	return &g.stripes[h>>58]
}

const (
	tagConn   = 0x1
	tagSource = 0x2 << 56
	tagReflex = 0x3 << 60
)

// #endregion guardian

// #region submit
// Submit runs p through the pipeline and reports the verdict. State is only
// touched when every check passes.
func (g *Guardian) Submit(p Proposal) Verdict {
	var v Verdict
	switch p.Kind {
	case KindModifyConfidence:
		v = g.modify(p)
	case KindCreateConnection:
		v = g.create(p)
	case KindDeleteConnection:
		v = g.remove(p)
	case KindPromoteTier:
		v = g.promote(p)
	case KindUpsertReflex:
		v = g.upsertReflex(p)
	case KindRemoveReflex:
		v = g.removeReflex(p)
	default:
		v = reject(p.Kind, ReasonUnknownKind, fmt.Sprintf("kind %d", p.Kind))
	}
	v.Kind = p.Kind
	g.record(v, p.Origin)
	return v
}

func (g *Guardian) record(v Verdict, origin string) {
	if v.Accepted {
		g.accepted.Add(1)
	} else {
		g.rejected.Add(1)
		g.log.Debug().
			Str("kind", v.Kind.String()).
			Str("reason", string(v.Reason)).
			Str("origin", origin).
			Str("detail", v.Detail).
			Msg("proposal rejected")
	}
	g.obs.ObserveVerdict(v.Kind.String(), v.Accepted, string(v.Reason))
}

func reject(kind Kind, reason ReasonCode, detail string) Verdict {
	return Verdict{Kind: kind, Reason: reason, Detail: detail}
}

func accept(kind Kind, before, after graph.Connection) Verdict {
	return Verdict{Kind: kind, Accepted: true, Before: before, After: after}
}

// #endregion submit

// #region modify
func (g *Guardian) modify(p Proposal) Verdict {
	k := KindModifyConfidence
	if p.Delta == 0 {
		return reject(k, ReasonOutOfRange, "zero delta")
	}
	if abs(p.Delta) > g.cons.MaxStep {
		return reject(k, ReasonStepTooLarge, fmt.Sprintf("|%d| > %d", p.Delta, g.cons.MaxStep))
	}

	mu := g.stripe(tagConn, uint64(p.Conn))
	mu.Lock()
	defer mu.Unlock()

	cur, ok := g.graph.Get(p.Conn)
	if !ok {
		return reject(k, ReasonNotFound, fmt.Sprintf("connection %d", p.Conn))
	}
	if cur.Tier == graph.TierImmutable {
		return reject(k, ReasonImmutable, "")
	}
	if !cur.Tier.Mutable() {
		return reject(k, ReasonTierForbidden, cur.Tier.String())
	}
	target := int(cur.Confidence) + p.Delta
	if target < int(g.cons.ConfidenceFloor) || target > int(g.cons.ConfidenceCeiling) {
		return reject(k, ReasonOutOfRange, fmt.Sprintf("confidence %d+%d outside [%d,%d]",
			cur.Confidence, p.Delta, g.cons.ConfidenceFloor, g.cons.ConfidenceCeiling))
	}

	next := cur
	next.Confidence = uint8(target)
	if p.Delta > 0 {
		next.Activations = graph.SaturatingAdd(next.Activations, 1)
	}
	return g.publish(k, cur, next)
}

// #endregion modify

// #region create
func (g *Guardian) create(p Proposal) Verdict {
	k := KindCreateConnection
	if p.Source == 0 || p.Target == 0 {
		return reject(k, ReasonNotFound, "missing endpoint")
	}
	if p.Source == p.Target {
		return reject(k, ReasonConstitution, "self loop")
	}
	if p.Tier != graph.TierUnknown && p.Tier != graph.TierHypothesis {
		return reject(k, ReasonTierForbidden, "new connections start as hypothesis")
	}
	if abs(p.Delta) > g.cons.MaxStep {
		return reject(k, ReasonStepTooLarge, fmt.Sprintf("|%d| > %d", p.Delta, g.cons.MaxStep))
	}
	if id, isAction := graph.ActionOf(p.Target); isAction {
		if _, ok := g.catalog.Get(id); !ok {
			return reject(k, ReasonNotFound, fmt.Sprintf("action %d", id))
		}
	}
	initial := int(g.cons.InitialConfidence) + p.Delta
	if initial < int(g.cons.ConfidenceFloor) || initial > int(g.cons.ConfidenceCeiling) {
		return reject(k, ReasonOutOfRange, fmt.Sprintf("initial confidence %d", initial))
	}

	// Keyed by source so the degree limit holds under concurrent creates.
	mu := g.stripe(tagSource, uint64(p.Source))
	mu.Lock()
	defer mu.Unlock()

	if _, exists := g.graph.Lookup(p.Source, p.Target); exists {
		return reject(k, ReasonDuplicate, "")
	}
	if g.cons.MaxOutDegree > 0 && g.graph.OutDegree(p.Source) >= g.cons.MaxOutDegree {
		return reject(k, ReasonDegreeLimit, fmt.Sprintf("source %d", p.Source))
	}
	if g.cons.MaxConnections > 0 && g.graph.Len() >= g.cons.MaxConnections {
		return reject(k, ReasonCapacity, "")
	}

	next := graph.Connection{
		Source:     p.Source,
		Target:     p.Target,
		Confidence: uint8(initial),
		Tier:       graph.TierHypothesis,
	}
	if reason, detail := g.check(next); reason != ReasonNone {
		return reject(k, reason, detail)
	}
	stored, err := g.graph.InsertBounded(next, g.cons.MaxConnections)
	if errors.Is(err, graph.ErrDuplicate) {
		return reject(k, ReasonDuplicate, "")
	}
	if errors.Is(err, graph.ErrCapacity) {
		return reject(k, ReasonCapacity, "")
	}
	if err != nil {
		return reject(k, ReasonConflict, err.Error())
	}
	return accept(k, graph.Connection{}, stored)
}

// #endregion create

// #region delete
func (g *Guardian) remove(p Proposal) Verdict {
	k := KindDeleteConnection

	mu := g.stripe(tagConn, uint64(p.Conn))
	mu.Lock()
	defer mu.Unlock()

	cur, ok := g.graph.Get(p.Conn)
	if !ok {
		return reject(k, ReasonNotFound, fmt.Sprintf("connection %d", p.Conn))
	}
	if cur.Tier == graph.TierImmutable {
		return reject(k, ReasonImmutable, "")
	}
	if cur.Confidence > g.cons.PruneCeiling {
		return reject(k, ReasonConstitution, fmt.Sprintf("confidence %d above prune ceiling %d", cur.Confidence, g.cons.PruneCeiling))
	}
	if err := g.graph.Delete(cur.ID, cur.Version); err != nil {
		return reject(k, ReasonConflict, err.Error())
	}
	return accept(k, cur, graph.Connection{})
}

// #endregion delete

// #region promote
func (g *Guardian) promote(p Proposal) Verdict {
	k := KindPromoteTier

	mu := g.stripe(tagConn, uint64(p.Conn))
	mu.Lock()
	defer mu.Unlock()

	cur, ok := g.graph.Get(p.Conn)
	if !ok {
		return reject(k, ReasonNotFound, fmt.Sprintf("connection %d", p.Conn))
	}
	if cur.Tier == graph.TierImmutable {
		return reject(k, ReasonImmutable, "")
	}
	if cur.Tier != graph.TierHypothesis {
		return reject(k, ReasonTierForbidden, "only hypothesis connections are promoted")
	}
	if cur.Activations < g.cons.PromoteMinActivations || cur.Confidence < g.cons.PromoteMinConfidence {
		return reject(k, ReasonPremature, fmt.Sprintf("activations %d confidence %d", cur.Activations, cur.Confidence))
	}

	next := cur
	next.Tier = graph.TierLearnable
	next.Rigidity = g.cons.PromotedRigidity
	return g.publish(k, cur, next)
}

// #endregion promote

// #region publish
// publish post-validates next and swaps it in if cur is still current.
func (g *Guardian) publish(k Kind, cur, next graph.Connection) Verdict {
	if reason, detail := g.check(next); reason != ReasonNone {
		return reject(k, reason, detail)
	}
	stored, err := g.graph.Replace(cur.Version, next)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		return reject(k, ReasonNotFound, "")
	case err != nil:
		return reject(k, ReasonConflict, err.Error())
	}
	return accept(k, cur, stored)
}

// check is the post-validation of a connection value.
func (g *Guardian) check(c graph.Connection) (ReasonCode, string) {
	if c.Confidence < g.cons.ConfidenceFloor || c.Confidence > g.cons.ConfidenceCeiling {
		return ReasonPostCheck, fmt.Sprintf("confidence %d out of range", c.Confidence)
	}
	if !(c.Rigidity >= 0 && c.Rigidity <= 1) {
		return ReasonPostCheck, fmt.Sprintf("rigidity %v", c.Rigidity)
	}
	if !c.Tier.Mutable() {
		return ReasonPostCheck, "tier " + c.Tier.String()
	}
	return ReasonNone, ""
}

// #endregion publish

// #region reflex
func (g *Guardian) upsertReflex(p Proposal) Verdict {
	k := KindUpsertReflex
	c := p.Candidate
	spec, ok := g.catalog.Get(c.Action)
	if !ok {
		return reject(k, ReasonNotFound, fmt.Sprintf("action %d", c.Action))
	}
	if g.cons.forbidsReflex(c.Action) {
		return reject(k, ReasonForbiddenAction, spec.Name)
	}
	if c.Representative.Flags.Has(state.FlagUnsafe) && !spec.Safe {
		return reject(k, ReasonForbiddenAction, "unsafe state needs a safe action")
	}
	if math.IsNaN(c.Strength) || c.Strength < g.cons.MinReflexStrength || c.Strength > 1 {
		return reject(k, ReasonOutOfRange, fmt.Sprintf("strength %v", c.Strength))
	}
	if g.cons.MaxActionCost > 0 && spec.Cost > g.cons.MaxActionCost {
		return reject(k, ReasonConstitution, fmt.Sprintf("cost %v", spec.Cost))
	}

	mu := g.stripe(tagReflex, p.Hash)
	mu.Lock()
	defer mu.Unlock()

	admitted, err := g.cache.Upsert(p.Hash, c, g.checkBucket)
	var rej *RejectedError
	switch {
	case errors.As(err, &rej):
		return reject(k, rej.Reason, rej.Detail)
	case err != nil:
		return reject(k, ReasonOutOfRange, err.Error())
	case !admitted:
		return reject(k, ReasonCapacity, "weaker than every cached candidate")
	}
	return Verdict{Kind: k, Accepted: true}
}

// checkBucket post-validates a reflex bucket before the cache publishes it.
func (g *Guardian) checkBucket(next []reflex.Candidate) error {
	for i, c := range next {
		for _, prev := range next[:i] {
			if prev.Action == c.Action {
				return &RejectedError{Kind: KindUpsertReflex, Reason: ReasonPostCheck, Detail: "duplicate action in bucket"}
			}
		}
		if g.cons.forbidsReflex(c.Action) {
			return &RejectedError{Kind: KindUpsertReflex, Reason: ReasonPostCheck, Detail: "forbidden action in bucket"}
		}
		if !(c.Strength > 0 && c.Strength <= 1) {
			return &RejectedError{Kind: KindUpsertReflex, Reason: ReasonPostCheck, Detail: "strength out of range"}
		}
	}
	return nil
}

func (g *Guardian) removeReflex(p Proposal) Verdict {
	k := KindRemoveReflex
	mu := g.stripe(tagReflex, p.Hash)
	mu.Lock()
	defer mu.Unlock()

	if !g.cache.Remove(p.Hash, p.Candidate.Action) {
		return reject(k, ReasonNotFound, fmt.Sprintf("action %d", p.Candidate.Action))
	}
	return Verdict{Kind: k, Accepted: true}
}

// #endregion reflex

// #region approve
// ApproveAction checks a chosen action before it is handed to an executor.
func (g *Guardian) ApproveAction(tok state.Token, spec action.Spec) Verdict {
	v := g.approve(tok, spec)
	v.Kind = KindApproveAction
	g.record(v, "arbiter")
	return v
}

func (g *Guardian) approve(tok state.Token, spec action.Spec) Verdict {
	k := KindApproveAction
	registered, ok := g.catalog.Get(spec.ID)
	if !ok {
		return reject(k, ReasonNotFound, fmt.Sprintf("action %d", spec.ID))
	}
	if tok.Flags.Has(state.FlagUnsafe) && !registered.Safe {
		return reject(k, ReasonForbiddenAction, registered.Name+" is not safe")
	}
	if g.cons.MaxActionCost > 0 && registered.Cost > g.cons.MaxActionCost {
		return reject(k, ReasonConstitution, fmt.Sprintf("cost %v", registered.Cost))
	}
	return Verdict{Kind: k, Accepted: true}
}

// #endregion approve

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
