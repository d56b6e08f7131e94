package graph

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// #region store
// DefaultShards is the number of connection shards when none is given.
const DefaultShards = 32

type shard struct {
	mu    sync.RWMutex
	conns map[ConnID]Connection
}

type pairKey struct {
	source NodeID
	target NodeID
}

// Graph holds Connections in sharded maps plus a read-mostly adjacency index.
// Connection values are only replaced by the guardian via Insert, Replace and
// Delete; everything else reads copies.
type Graph struct {
	shards []shard
	mask   uint64

	// adjMu guards out and pairs. Lock order: adjMu before any shard lock.
	adjMu sync.RWMutex
	out   map[NodeID][]ConnID
	pairs map[pairKey]ConnID

	nextID atomic.Uint64
	count  atomic.Int64
}

// #endregion store

// #region constructor
// New creates an empty graph. shards is rounded up to a power of two.
func New(shards int) *Graph {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	g := &Graph{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		out:    make(map[NodeID][]ConnID),
		pairs:  make(map[pairKey]ConnID),
	}
	for i := range g.shards {
		g.shards[i].conns = make(map[ConnID]Connection)
	}
	return g
}

func (g *Graph) shardFor(id ConnID) *shard {
	// Fibonacci spread so sequential ids land on different shards.
	return &g.shards[(uint64(id)*0x9E3779B97F4A7C15>>32)&g.mask]
}

// #endregion constructor

// #region seed
// Seed installs an Immutable connection at bootstrap, outside the proposal
// pipeline. Seeded edges reject every later proposal.
func (g *Graph) Seed(source, target NodeID, confidence uint8) (Connection, error) {
	return g.Insert(Connection{
		Source:     source,
		Target:     target,
		Confidence: confidence,
		Rigidity:   1,
		Tier:       TierImmutable,
	})
}

// #endregion seed

// #region insert
// Insert stores a new connection, assigning its ID and Version 1.
// Returns ErrDuplicate if source->target already exists.
func (g *Graph) Insert(c Connection) (Connection, error) {
	return g.InsertBounded(c, 0)
}

// InsertBounded is Insert that also returns ErrCapacity when the graph
// already holds limit connections. limit <= 0 means unbounded.
func (g *Graph) InsertBounded(c Connection, limit int) (Connection, error) {
	key := pairKey{c.Source, c.Target}

	g.adjMu.Lock()
	defer g.adjMu.Unlock()

	if _, exists := g.pairs[key]; exists {
		return Connection{}, ErrDuplicate
	}
	if limit > 0 && int(g.count.Load()) >= limit {
		return Connection{}, ErrCapacity
	}

	c.ID = ConnID(g.nextID.Add(1))
	c.Version = 1

	s := g.shardFor(c.ID)
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()

	g.pairs[key] = c.ID
	g.out[c.Source] = append(g.out[c.Source], c.ID)
	g.count.Add(1)
	return c, nil
}

// #endregion insert

// #region replace
// Replace publishes next if the stored connection still has prevVersion.
// Source, target and ID are taken from the stored value; Version is bumped.
func (g *Graph) Replace(prevVersion uint32, next Connection) (Connection, error) {
	s := g.shardFor(next.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conns[next.ID]
	if !ok {
		return Connection{}, ErrNotFound
	}
	if cur.Version != prevVersion {
		return Connection{}, ErrConflict
	}
	next.Source = cur.Source
	next.Target = cur.Target
	next.Version = cur.Version + 1
	s.conns[next.ID] = next
	return next, nil
}

// #endregion replace

// #region delete
// Delete removes the connection if it still has prevVersion.
func (g *Graph) Delete(id ConnID, prevVersion uint32) error {
	g.adjMu.Lock()
	defer g.adjMu.Unlock()

	s := g.shardFor(id)
	s.mu.Lock()
	cur, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		s.mu.Unlock()
		return ErrConflict
	}
	delete(s.conns, id)
	s.mu.Unlock()

	delete(g.pairs, pairKey{cur.Source, cur.Target})
	ids := g.out[cur.Source]
	for i, cid := range ids {
		if cid == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(g.out, cur.Source)
	} else {
		g.out[cur.Source] = ids
	}
	g.count.Add(-1)
	return nil
}

// #endregion delete

// #region reads
// Get returns a copy of the connection.
func (g *Graph) Get(id ConnID) (Connection, bool) {
	s := g.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Lookup returns the connection from source to target.
func (g *Graph) Lookup(source, target NodeID) (Connection, bool) {
	g.adjMu.RLock()
	id, ok := g.pairs[pairKey{source, target}]
	g.adjMu.RUnlock()
	if !ok {
		return Connection{}, false
	}
	return g.Get(id)
}

// OutDegree returns the number of edges leaving source.
func (g *Graph) OutDegree(source NodeID) int {
	g.adjMu.RLock()
	defer g.adjMu.RUnlock()
	return len(g.out[source])
}

// Len returns the number of connections.
func (g *Graph) Len() int {
	return int(g.count.Load())
}

// Neighbors returns edges leaving nodeID with confidence >= minConfidence,
// ordered by confidence descending.
func (g *Graph) Neighbors(nodeID NodeID, minConfidence uint8) []Connection {
	g.adjMu.RLock()
	ids := append([]ConnID(nil), g.out[nodeID]...)
	g.adjMu.RUnlock()

	edges := make([]Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := g.Get(id); ok && c.Confidence >= minConfidence {
			edges = append(edges, c)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Confidence != edges[j].Confidence {
			return edges[i].Confidence > edges[j].Confidence
		}
		return edges[i].ID < edges[j].ID
	})
	return edges
}

// Snapshot returns every connection ordered by id.
func (g *Graph) Snapshot() []Connection {
	out := make([]Connection, 0, g.Len())
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.RLock()
		for _, c := range s.conns {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// #endregion reads

// #region walk
// Walk performs a BFS from entryID, following edges with confidence >= minConfidence,
// up to maxDepth hops and maxNodes total. Returns nodes in visit order with cumulative scores.
func (g *Graph) Walk(entryID NodeID, maxDepth int, minConfidence uint8, maxNodes int) WalkResult {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if maxNodes <= 0 {
		maxNodes = 10
	}

	result := WalkResult{
		IDs:    []NodeID{entryID},
		Scores: []float64{1.0},
	}
	visited := map[NodeID]bool{entryID: true}

	type queueItem struct {
		id    NodeID
		depth int
		score float64
	}
	queue := []queueItem{{entryID, 0, 1.0}}

	for len(queue) > 0 && len(result.IDs) < maxNodes {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= maxDepth {
			continue
		}

		for _, edge := range g.Neighbors(current.id, minConfidence) {
			if len(result.IDs) >= maxNodes {
				break
			}
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true
			cumScore := current.score * edge.Weight()
			result.IDs = append(result.IDs, edge.Target)
			result.Scores = append(result.Scores, cumScore)
			queue = append(queue, queueItem{edge.Target, current.depth + 1, cumScore})
		}
	}

	return result
}

// #endregion walk

// #region decay
// DecayScan proposes confidence reductions for mutable edges: each loses
// rate*(1-Rigidity) of its confidence, rounded. Immutable edges never decay.
// The graph is not modified; callers route the result through the guardian.
func (g *Graph) DecayScan(rate float64) []Decay {
	if rate <= 0 {
		return nil
	}
	var out []Decay
	for _, c := range g.Snapshot() {
		if !c.Tier.Mutable() || c.Confidence == 0 {
			continue
		}
		loss := math.Round(float64(c.Confidence) * rate * (1 - float64(c.Rigidity)))
		if loss >= 1 {
			out = append(out, Decay{ID: c.ID, Delta: -int(loss)})
		}
	}
	return out
}

// #endregion decay
