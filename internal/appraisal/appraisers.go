package appraisal

import (
	"math"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region homeostatic
// Homeostatic rewards actions whose expected effect moves the state toward
// Setpoint. A move of Scale units closer scores 1.
type Homeostatic struct {
	Setpoint [state.Dims]float64
	Scale    float64
}

func (Homeostatic) Name() string { return "homeostatic" }

func (h Homeostatic) Appraise(in Input) ([]float64, error) {
	scale := h.Scale
	if scale <= 0 {
		scale = 1
	}
	cur := in.State.Floats()
	before := distance(cur, h.Setpoint)
	out := make([]float64, len(in.Actions))
	for i, a := range in.Actions {
		var next [state.Dims]float64
		for d := range cur {
			next[d] = cur[d] + a.Effect[d]
		}
		out[i] = clamp((before - distance(next, h.Setpoint)) / scale)
	}
	return out, nil
}

func distance(a, b [state.Dims]float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// #endregion homeostatic

// #region novelty
// Novelty favours actions rarely taken in this cell. Among the cell's visits
// in the last Window history entries, an action chosen a share f of the time
// scores 1-2f; untried actions score 1.
type Novelty struct {
	Window     int
	MinHistory int
}

func (Novelty) Name() string { return "novelty" }

func (n Novelty) Appraise(in Input) ([]float64, error) {
	hist := in.History
	if n.Window > 0 && len(hist) > n.Window {
		hist = hist[len(hist)-n.Window:]
	}
	if len(hist) < n.MinHistory {
		return nil, ErrInsufficientHistory
	}

	counts := make(map[action.ID]int)
	visits := 0
	for _, e := range hist {
		if e.StateHash == in.Cell {
			counts[e.Action]++
			visits++
		}
	}
	out := make([]float64, len(in.Actions))
	for i, a := range in.Actions {
		if visits == 0 {
			out[i] = 1
			continue
		}
		out[i] = clamp(1 - 2*float64(counts[a.ID])/float64(visits))
	}
	return out, nil
}

// #endregion novelty

// #region cost
// Cost scores cheap actions high: 1 at zero cost, -1 at MaxCost or above.
type Cost struct {
	MaxCost float64
}

func (Cost) Name() string { return "cost" }

func (c Cost) Appraise(in Input) ([]float64, error) {
	max := c.MaxCost
	if max <= 0 {
		max = 1
	}
	out := make([]float64, len(in.Actions))
	for i, a := range in.Actions {
		out[i] = clamp(1 - 2*a.Cost/max)
	}
	return out, nil
}

// #endregion cost

// #region valence
// Valence reads learned preferences from the connection graph. An edge from
// the state's cell to an action maps its confidence onto [-1, 1]. When the
// cell has no such edge, evidence is borrowed from cells reachable through
// cell-to-cell edges and from the nearest indexed cells in Grid, discounted
// by path weight or similarity. Actions serving the goal get GoalBonus.
type Valence struct {
	Graph         *graph.Graph
	Grid          *spatial.Grid // optional
	Neighbors     int           // nearest cells consulted; 0 disables
	MinConfidence uint8         // edges below this are ignored during the walk
	GoalBonus     float64
}

func (Valence) Name() string { return "valence" }

func (v Valence) Appraise(in Input) ([]float64, error) {
	evidence := v.collect(in)
	hasGoal := in.Goal != ""
	if len(evidence) == 0 && !hasGoal {
		return nil, ErrNoSignal
	}

	out := make([]float64, len(in.Actions))
	for i, a := range in.Actions {
		var score float64
		if ev, ok := evidence[a.ID]; ok && ev.weight > 0 {
			score = 2*(ev.sum/ev.weight) - 1
		}
		if hasGoal && a.Serves(in.Goal) {
			score += v.GoalBonus
		}
		out[i] = clamp(score)
	}
	return out, nil
}

type support struct {
	sum    float64 // weighted edge confidence, each in [0, 1]
	weight float64
}

// collect gathers per-action evidence. Direct edges dominate with weight 1.
func (v Valence) collect(in Input) map[action.ID]support {
	if v.Graph == nil {
		return nil
	}
	evidence := make(map[action.ID]support)
	v.addCell(evidence, graph.NodeID(in.Cell), 1)
	if len(evidence) > 0 {
		return evidence
	}

	walk := v.Graph.Walk(graph.NodeID(in.Cell), 2, v.MinConfidence, 16)
	for i, node := range walk.IDs[1:] {
		if _, isAction := graph.ActionOf(node); isAction {
			continue
		}
		v.addCell(evidence, node, walk.Scores[i+1])
	}

	if v.Grid != nil && v.Neighbors > 0 {
		for _, nb := range v.Grid.Nearest(in.State, v.Neighbors) {
			if nb.ID == in.Cell {
				continue
			}
			v.addCell(evidence, graph.NodeID(nb.ID), 1/(1+nb.Distance))
		}
	}
	return evidence
}

func (v Valence) addCell(evidence map[action.ID]support, cell graph.NodeID, weight float64) {
	if weight <= 0 {
		return
	}
	for _, edge := range v.Graph.Neighbors(cell, 0) {
		id, ok := graph.ActionOf(edge.Target)
		if !ok {
			continue
		}
		s := evidence[id]
		s.sum += weight * edge.Weight()
		s.weight += weight
		evidence[id] = s
	}
}

// #endregion valence

// Tuning parameterises the four built-in appraisers.
type Tuning struct {
	Setpoint          [state.Dims]float64
	HomeostaticScale  float64
	NoveltyWindow     int
	NoveltyMinHistory int
	MaxCost           float64
	ValenceNeighbors  int
	ValenceMinConf    uint8
	GoalBonus         float64
}

// DefaultTuning is the tuning the engine uses unless configured otherwise.
func DefaultTuning() Tuning {
	return Tuning{
		HomeostaticScale:  1,
		NoveltyWindow:     256,
		NoveltyMinHistory: 16,
		MaxCost:           1,
		ValenceNeighbors:  4,
		ValenceMinConf:    32,
		GoalBonus:         0.25,
	}
}

// Builtin returns the four built-in appraisers in slot order.
func Builtin(t Tuning, g *graph.Graph, grid *spatial.Grid) []Appraiser {
	return []Appraiser{
		Homeostatic{Setpoint: t.Setpoint, Scale: t.HomeostaticScale},
		Novelty{Window: t.NoveltyWindow, MinHistory: t.NoveltyMinHistory},
		Cost{MaxCost: t.MaxCost},
		Valence{Graph: g, Grid: grid, Neighbors: t.ValenceNeighbors, MinConfidence: t.ValenceMinConf, GoalBonus: t.GoalBonus},
	}
}
