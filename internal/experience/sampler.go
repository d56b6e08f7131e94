package experience

import (
	"math"
	"math/rand/v2"
	"sort"
)

// #region sampler
// Sampler draws a bounded batch from a log without mutating it. Results are
// in sequence order.
type Sampler interface {
	Sample(l *Log, n int, rng *rand.Rand) []Entry
	Name() string
}

// NewSampler returns the sampler registered under name, or Uniform.
func NewSampler(name string) Sampler {
	switch name {
	case "prioritized":
		return Prioritized{Alpha: 0.6, Epsilon: 0.01}
	case "recent":
		return Recent{}
	default:
		return Uniform{}
	}
}

// #endregion sampler

// #region uniform
// Uniform picks n live entries without replacement, each equally likely.
type Uniform struct{}

func (Uniform) Name() string { return "uniform" }

func (Uniform) Sample(l *Log, n int, rng *rand.Rand) []Entry {
	live := l.Snapshot()
	if n <= 0 || len(live) == 0 {
		return nil
	}
	if n >= len(live) {
		return live
	}
	// Partial Fisher-Yates over the first n positions.
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(live)-i)
		live[i], live[j] = live[j], live[i]
	}
	out := live[:n]
	sortBySeq(out)
	return out
}

// #endregion uniform

// #region prioritized
// Prioritized favours high-magnitude rewards: weight = |reward|^Alpha + Epsilon.
// Sampling is without replacement using exponential keys.
type Prioritized struct {
	Alpha   float64
	Epsilon float64
}

func (Prioritized) Name() string { return "prioritized" }

func (p Prioritized) Sample(l *Log, n int, rng *rand.Rand) []Entry {
	live := l.Snapshot()
	if n <= 0 || len(live) == 0 {
		return nil
	}
	if n >= len(live) {
		return live
	}
	eps := p.Epsilon
	if eps <= 0 {
		eps = 1e-6
	}
	type keyed struct {
		key float64
		idx int
	}
	keys := make([]keyed, len(live))
	for i, e := range live {
		w := math.Pow(math.Abs(float64(e.Reward)), p.Alpha) + eps
		if math.IsNaN(w) || math.IsInf(w, 0) {
			w = eps
		}
		// Efraimidis-Spirakis: largest u^(1/w) wins; log form avoids underflow.
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		keys[i] = keyed{key: math.Log(u) / w, idx: i}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })

	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = live[keys[i].idx]
	}
	sortBySeq(out)
	return out
}

// #endregion prioritized

// #region recent
// Recent returns the newest n entries.
type Recent struct{}

func (Recent) Name() string { return "recent" }

func (Recent) Sample(l *Log, n int, _ *rand.Rand) []Entry {
	return l.Recent(n)
}

// #endregion recent

func sortBySeq(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Seq < es[j].Seq })
}
