package policy

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/appraisal"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region evaluator
// Evaluator runs every appraiser over the eligible actions and ranks them.
type Evaluator struct {
	catalog    *action.Catalog
	appraisers []appraisal.Appraiser
	cfg        Config
	log        zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an evaluator. Zero config fields take DefaultConfig values.
func New(catalog *action.Catalog, appraisers []appraisal.Appraiser, cfg Config, log zerolog.Logger) *Evaluator {
	def := DefaultConfig()
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	if !cfg.TieBreak.Valid() {
		cfg.TieBreak = def.TieBreak
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	return &Evaluator{
		catalog:    catalog,
		appraisers: appraisers,
		cfg:        cfg,
		log:        log,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5DEECE66D)),
	}
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// #endregion evaluator

// #region eligible
// Eligible returns the actions the slow path may choose in tok: never the
// failsafe, and only Safe actions when tok is flagged unsafe.
func (e *Evaluator) Eligible(tok state.Token) []action.Spec {
	unsafe := tok.Flags.Has(state.FlagUnsafe)
	var out []action.Spec
	for _, s := range e.catalog.All() {
		if s.ID == e.cfg.Failsafe {
			continue
		}
		if unsafe && !s.Safe {
			continue
		}
		out = append(out, s)
	}
	return out
}

// #endregion eligible

// #region evaluate
// Evaluate scores every eligible action. Appraisers run concurrently, each
// writing only its own slot. A failing appraiser is excluded and the weights
// of the rest are renormalized; the evaluation itself only fails with
// ErrNoCandidates.
func (e *Evaluator) Evaluate(_ context.Context, req Request) (Result, error) {
	cands := e.Eligible(req.State)
	if len(cands) == 0 {
		return Result{}, ErrNoCandidates
	}

	in := appraisal.Input{
		State:   req.State,
		Cell:    req.Cell,
		Goal:    req.Goal,
		Actions: cands,
		History: req.History,
	}
	scores := make([][]float64, len(e.appraisers))
	errs := make([]error, len(e.appraisers))

	var g errgroup.Group
	for i, a := range e.appraisers {
		g.Go(func() error {
			s, err := a.Appraise(in)
			if err == nil && len(s) != len(cands) {
				err = fmt.Errorf("appraiser %s returned %d scores for %d actions", a.Name(), len(s), len(cands))
			}
			scores[i], errs[i] = s, err
			return nil
		})
	}
	_ = g.Wait()

	res := Result{}
	for i := range res.Appraisals {
		res.Appraisals[i] = float32(math.NaN())
	}

	totals := make([]float64, len(cands))
	var weightSum float64
	for i, a := range e.appraisers {
		if errs[i] != nil {
			res.Excluded = append(res.Excluded, Exclusion{Appraiser: a.Name(), Err: errs[i]})
			e.log.Debug().Str("appraiser", a.Name()).Err(errs[i]).Msg("appraiser excluded")
			continue
		}
		w := e.weight(a.Name())
		weightSum += w
		for j, s := range scores[i] {
			totals[j] += w * s
		}
	}
	if weightSum > 0 {
		for j := range totals {
			totals[j] /= weightSum
		}
	}

	order := e.rank(cands, totals)
	best := order[0]
	res.Action = cands[best]
	res.Score = totals[best]
	res.Confidence = softmax(totals, best, e.cfg.Temperature)
	res.Ranking = make([]Score, len(order))
	for i, j := range order {
		res.Ranking[i] = Score{Action: cands[j].ID, Total: totals[j]}
	}
	for i, a := range e.appraisers {
		if errs[i] != nil {
			continue
		}
		if slot := appraisal.SlotOf(a.Name()); slot >= 0 {
			res.Appraisals[slot] = float32(scores[i][best])
		}
	}
	return res, nil
}

func (e *Evaluator) weight(name string) float64 {
	if w, ok := e.cfg.Weights[name]; ok {
		return math.Max(0, w)
	}
	return 1
}

// #endregion evaluate

// #region rank
// rank returns candidate indices best first, ties broken per the config.
func (e *Evaluator) rank(cands []action.Spec, totals []float64) []int {
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	if e.cfg.TieBreak == TieRandom {
		e.rngMu.Lock()
		e.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		e.rngMu.Unlock()
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if !nearlyEqual(totals[i], totals[j]) {
			return totals[i] > totals[j]
		}
		switch e.cfg.TieBreak {
		case TieRandom:
			return false
		case TieLowestCost:
			if cands[i].Cost != cands[j].Cost {
				return cands[i].Cost < cands[j].Cost
			}
		}
		return cands[i].ID < cands[j].ID
	})
	return order
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-12
}

// softmax returns the probability of index k among totals at temperature t.
func softmax(totals []float64, k int, t float64) float64 {
	max := math.Inf(-1)
	for _, v := range totals {
		max = math.Max(max, v)
	}
	var sum, pk float64
	for i, v := range totals {
		p := math.Exp((v - max) / t)
		sum += p
		if i == k {
			pk = p
		}
	}
	return pk / sum
}

// #endregion rank
