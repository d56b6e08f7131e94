// Package consolidation turns logged experience into reflexes and connection
// confidence changes. It never writes to the cache or graph itself: every
// change is a guardian proposal.
package consolidation

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region config
// Config tunes a consolidation pass.
type Config struct {
	BatchSize      int
	Sampler        experience.Sampler
	MinSamples     int     // per arm
	MaxPValue      float64 // significance threshold
	MinEffectSize  float64 // Cohen's d
	ConfidenceStep int     // |Delta| per reinforcement
	PruneBelow     uint8   // mutable edges at or below are deleted
	DecayRate      float64 // 0 disables decay
	Seed           uint64
	Hook           func(Report) // called after every pass; may be nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      2048,
		Sampler:        experience.Recent{},
		MinSamples:     8,
		MaxPValue:      0.05,
		MinEffectSize:  0.5,
		ConfidenceStep: 16,
		PruneBelow:     16,
		Seed:           1,
	}
}

// #endregion config

// #region report
// Report summarizes one pass.
type Report struct {
	ID          string
	Sampled     int
	Cells       int // cells with at least two comparable arms
	Significant int
	Proposed    int
	Accepted    int
	Rejected    int
	Reasons     map[guardian.ReasonCode]int
	Duration    time.Duration
}

// #endregion report

// #region consolidator
// Consolidator periodically scans the event log.
type Consolidator struct {
	events   *experience.Log
	guardian *guardian.Guardian
	graph    *graph.Graph
	cache    *reflex.Cache
	grid     *spatial.Grid
	cfg      Config
	log      zerolog.Logger

	runMu sync.Mutex // one pass at a time
	rng   *rand.Rand
}

// New creates a consolidator. cache and grid are read-only here; grid may be nil.
func New(events *experience.Log, gd *guardian.Guardian, g *graph.Graph, cache *reflex.Cache, grid *spatial.Grid, cfg Config, log zerolog.Logger) *Consolidator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Sampler == nil {
		cfg.Sampler = def.Sampler
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxPValue <= 0 {
		cfg.MaxPValue = def.MaxPValue
	}
	if cfg.ConfidenceStep <= 0 {
		cfg.ConfidenceStep = def.ConfidenceStep
	}
	return &Consolidator{
		events:   events,
		guardian: gd,
		graph:    g,
		cache:    cache,
		grid:     grid,
		cfg:      cfg,
		log:      log,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}
}

// #endregion consolidator

// #region run
// Start runs a pass every interval until ctx is done.
func (c *Consolidator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

type arm struct {
	rewards []float64
	states  []state.Token
}

// RunOnce samples a batch, finds cells where one action is significantly
// better than the rest and proposes the resulting changes.
func (c *Consolidator) RunOnce(ctx context.Context) Report {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := time.Now()
	rep := Report{ID: uuid.NewString(), Reasons: map[guardian.ReasonCode]int{}}

	batch := c.cfg.Sampler.Sample(c.events, c.cfg.BatchSize, c.rng)
	rep.Sampled = len(batch)

	cells := make(map[uint64]map[action.ID]*arm)
	for _, e := range batch {
		if e.Path == experience.PathFailsafe || e.Action == 0 {
			continue
		}
		arms := cells[e.StateHash]
		if arms == nil {
			arms = make(map[action.ID]*arm)
			cells[e.StateHash] = arms
		}
		a := arms[e.Action]
		if a == nil {
			a = &arm{}
			arms[e.Action] = a
		}
		a.rewards = append(a.rewards, float64(e.Reward))
		a.states = append(a.states, e.State)
	}

	hashes := make([]uint64, 0, len(cells))
	for h := range cells {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	for _, h := range hashes {
		if ctx.Err() != nil {
			break
		}
		c.consolidateCell(h, cells[h], &rep)
	}
	if c.cfg.DecayRate > 0 {
		c.decay(&rep)
	}
	c.prune(&rep)

	rep.Duration = time.Since(start)
	c.log.Info().
		Str("run", rep.ID).
		Int("sampled", rep.Sampled).
		Int("cells", rep.Cells).
		Int("significant", rep.Significant).
		Int("accepted", rep.Accepted).
		Int("rejected", rep.Rejected).
		Dur("took", rep.Duration).
		Msg("consolidation pass")
	if c.cfg.Hook != nil {
		c.cfg.Hook(rep)
	}
	return rep
}

// #endregion run

// #region cell
func (c *Consolidator) consolidateCell(hash uint64, arms map[action.ID]*arm, rep *Report) {
	ids := make([]action.ID, 0, len(arms))
	for id, a := range arms {
		if len(a.rewards) >= c.cfg.MinSamples {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return
	}
	rep.Cells++

	sums := make(map[action.ID]sample, len(ids))
	for _, id := range ids {
		sums[id] = summarize(arms[id].rewards)
	}
	sort.Slice(ids, func(i, j int) bool {
		mi, mj := sums[ids[i]].mean, sums[ids[j]].mean
		if mi != mj {
			return mi > mj
		}
		return ids[i] < ids[j]
	})
	best := ids[0]

	var rest []float64
	for _, id := range ids[1:] {
		rest = append(rest, arms[id].rewards...)
	}
	_, p, d := welch(sums[best], summarize(rest))
	if p > c.cfg.MaxPValue || d < c.cfg.MinEffectSize {
		return
	}
	rep.Significant++

	src := graph.NodeID(hash)
	rep.submit(c, guardian.Proposal{
		Kind: guardian.KindUpsertReflex,
		Hash: hash,
		Candidate: reflex.Candidate{
			Action:         best,
			Strength:       strength(d),
			Representative: state.Centroid(arms[best].states),
			Samples:        uint32(len(arms[best].rewards)),
		},
	})
	if c.grid != nil {
		var all []state.Token
		for _, id := range ids {
			all = append(all, arms[id].states...)
		}
		c.grid.Insert(hash, state.Centroid(all))
	}
	c.reinforce(src, best, c.cfg.ConfidenceStep, rep)

	for _, loser := range ids[1:] {
		if sums[loser].mean >= sums[best].mean {
			continue
		}
		c.reinforce(src, loser, -c.cfg.ConfidenceStep, rep)
		if c.cached(hash, loser) {
			rep.submit(c, guardian.Proposal{
				Kind:      guardian.KindRemoveReflex,
				Hash:      hash,
				Candidate: reflex.Candidate{Action: loser},
			})
		}
	}
}

// strength maps an effect size onto (0, 1).
func strength(d float64) float64 {
	if math.IsInf(d, 1) {
		return 1
	}
	return 1 - math.Exp(-d)
}

func (c *Consolidator) cached(hash uint64, id action.ID) bool {
	cands, ok := c.cache.Lookup(hash)
	if !ok {
		return false
	}
	for _, cd := range cands {
		if cd.Action == id {
			return true
		}
	}
	return false
}

// reinforce moves the cell->action connection by step, creating it first
// when absent, and promotes it once eligible.
func (c *Consolidator) reinforce(src graph.NodeID, id action.ID, step int, rep *Report) {
	dst := graph.ActionNode(id)
	cur, ok := c.graph.Lookup(src, dst)
	if !ok {
		rep.submit(c, guardian.Proposal{Kind: guardian.KindCreateConnection, Source: src, Target: dst, Delta: step})
		return
	}
	if !cur.Tier.Mutable() {
		return
	}
	cons := c.guardian.Constitution()
	delta := step
	if room := int(cons.ConfidenceCeiling) - int(cur.Confidence); delta > room {
		delta = room
	}
	if room := int(cons.ConfidenceFloor) - int(cur.Confidence); delta < room {
		delta = room
	}
	if delta == 0 {
		return
	}
	v := rep.submit(c, guardian.Proposal{Kind: guardian.KindModifyConfidence, Conn: cur.ID, Delta: delta})
	if !v.Accepted {
		return
	}
	next := v.After
	if next.Tier == graph.TierHypothesis &&
		next.Activations >= cons.PromoteMinActivations &&
		next.Confidence >= cons.PromoteMinConfidence {
		rep.submit(c, guardian.Proposal{Kind: guardian.KindPromoteTier, Conn: next.ID})
	}
}

// #endregion cell

// #region maintenance
func (c *Consolidator) decay(rep *Report) {
	maxStep := c.guardian.Constitution().MaxStep
	for _, d := range c.graph.DecayScan(c.cfg.DecayRate) {
		delta := d.Delta
		if maxStep > 0 && delta < -maxStep {
			delta = -maxStep
		}
		rep.submit(c, guardian.Proposal{Kind: guardian.KindModifyConfidence, Conn: d.ID, Delta: delta})
	}
}

func (c *Consolidator) prune(rep *Report) {
	for _, conn := range c.graph.Snapshot() {
		if conn.Tier.Mutable() && conn.Confidence <= c.cfg.PruneBelow {
			rep.submit(c, guardian.Proposal{Kind: guardian.KindDeleteConnection, Conn: conn.ID})
		}
	}
}

func (r *Report) submit(c *Consolidator, p guardian.Proposal) guardian.Verdict {
	p.Origin = "consolidation"
	v := c.guardian.Submit(p)
	r.Proposed++
	if v.Accepted {
		r.Accepted++
	} else {
		r.Rejected++
		r.Reasons[v.Reason]++
	}
	return v
}

// #endregion maintenance
