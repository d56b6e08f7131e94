package reflex

// bucket stores up to InlineCapacity candidates inline and spills the rest.
type bucket struct {
	inline [InlineCapacity]Candidate
	n      int
	spill  []Candidate
}

func (b *bucket) len() int {
	return b.n + len(b.spill)
}

// at returns candidate i without copying the bucket.
func (b *bucket) at(i int) *Candidate {
	if i < b.n {
		return &b.inline[i]
	}
	return &b.spill[i-b.n]
}

// items returns a copy of all candidates in order.
func (b *bucket) items() []Candidate {
	out := make([]Candidate, 0, b.len())
	out = append(out, b.inline[:b.n]...)
	return append(out, b.spill...)
}

// load replaces the bucket contents. The spill slice is only allocated past
// InlineCapacity.
func (b *bucket) load(cands []Candidate) {
	b.inline = [InlineCapacity]Candidate{}
	b.n = copy(b.inline[:], cands)
	if len(cands) > InlineCapacity {
		b.spill = append(b.spill[:0:0], cands[InlineCapacity:]...)
	} else {
		b.spill = nil
	}
}

// merge upserts cand into cands by action and enforces max. It returns the
// new list, whether cand survived, and how many candidates were evicted.
func merge(cands []Candidate, cand Candidate, max int) ([]Candidate, bool, int) {
	for i := range cands {
		if cands[i].Action == cand.Action {
			cands[i] = cand
			return cands, true, 0
		}
	}
	cands = append(cands, cand)

	evicted := 0
	admitted := true
	for max > 0 && len(cands) > max {
		victim := 0
		for i := 1; i < len(cands); i++ {
			c, v := cands[i], cands[victim]
			if c.Strength < v.Strength || (c.Strength == v.Strength && c.Stamp < v.Stamp) {
				victim = i
			}
		}
		if cands[victim].Stamp == cand.Stamp && cands[victim].Action == cand.Action {
			admitted = false
		}
		cands = append(cands[:victim], cands[victim+1:]...)
		evicted++
	}
	return cands, admitted, evicted
}
