package spatial

import (
	"sort"
	"sync"

	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region types
// Member is one indexed primitive state.
type Member struct {
	ID    uint64
	Token state.Token
}

// Neighbor is a Member with its distance to a query state.
type Neighbor struct {
	Member
	Distance float64
}

// Grid is a read-mostly spatial index over primitive states, bucketed by cell hash.
// Readers share the lock; a writer excludes new readers only while it mutates.
type Grid struct {
	shifts Shifts

	mu      sync.RWMutex
	cells   map[uint64][]Member
	members map[uint64]uint64 // id -> cell hash
}

// #endregion types

// #region constructor
// NewGrid creates an empty grid using the given quantization.
func NewGrid(shifts Shifts) *Grid {
	return &Grid{
		shifts:  shifts,
		cells:   make(map[uint64][]Member),
		members: make(map[uint64]uint64),
	}
}

// Shifts returns the grid's quantization.
func (g *Grid) Shifts() Shifts {
	return g.shifts
}

// #endregion constructor

// #region mutation
// Insert adds or replaces the member with the given id.
func (g *Grid) Insert(id uint64, tok state.Token) {
	cell := Hash(tok, g.shifts)

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.members[id]; ok {
		g.removeLocked(id, prev)
	}
	g.cells[cell] = append(g.cells[cell], Member{ID: id, Token: tok})
	g.members[id] = cell
}

// Remove deletes a member. It reports whether the id was present.
func (g *Grid) Remove(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cell, ok := g.members[id]
	if !ok {
		return false
	}
	g.removeLocked(id, cell)
	return true
}

func (g *Grid) removeLocked(id, cell uint64) {
	bucket := g.cells[cell]
	for i, m := range bucket {
		if m.ID == id {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(g.cells, cell)
	} else {
		g.cells[cell] = bucket
	}
	delete(g.members, id)
}

// #endregion mutation

// #region queries
// Cell returns the members sharing tok's cell.
func (g *Grid) Cell(tok state.Token) []Member {
	cell := Hash(tok, g.shifts)

	g.mu.RLock()
	defer g.mu.RUnlock()

	bucket := g.cells[cell]
	out := make([]Member, len(bucket))
	copy(out, bucket)
	return out
}

// Nearest returns up to k members ordered by distance to tok, closest first.
// Ties are broken by id for stable output.
func (g *Grid) Nearest(tok state.Token, k int) []Neighbor {
	if k <= 0 {
		return nil
	}

	g.mu.RLock()
	all := make([]Neighbor, 0, len(g.members))
	for _, bucket := range g.cells {
		for _, m := range bucket {
			all = append(all, Neighbor{Member: m, Distance: state.Distance(tok, m.Token)})
		}
	}
	g.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Len returns the number of indexed members.
func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// #endregion queries
