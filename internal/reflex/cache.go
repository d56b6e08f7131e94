package reflex

import (
	"sync"
	"sync/atomic"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region cache
type cacheShard struct {
	mu      sync.RWMutex
	buckets map[uint64]*bucket
}

// Cache maps a spatial hash to its candidate actions. Readers of different
// shards never contend; readers of one shard share an RLock.
type Cache struct {
	cfg    Config
	shards []cacheShard
	mask   uint64

	stamp     atomic.Uint64
	entries   atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	rejected  atomic.Uint64
	evictions atomic.Uint64
}

// New creates an empty cache. Zero config fields take DefaultConfig values.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	n := 1
	for n < cfg.Shards {
		n <<= 1
	}
	cfg.Shards = n
	c := &Cache{
		cfg:    cfg,
		shards: make([]cacheShard, n),
		mask:   uint64(n - 1),
	}
	for i := range c.shards {
		c.shards[i].buckets = make(map[uint64]*bucket)
	}
	return c
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

func (c *Cache) shardFor(hash uint64) *cacheShard {
	return &c.shards[hash&c.mask]
}

// #endregion cache

// #region lookup
// Lookup returns a copy of the candidates stored under hash.
func (c *Cache) Lookup(hash uint64) ([]Candidate, bool) {
	s := c.shardFor(hash)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[hash]
	if !ok || b.len() == 0 {
		return nil, false
	}
	return b.items(), true
}

// Resolve picks the candidate whose representative is most similar to tok.
// It misses when the bucket is empty or the best similarity is below the
// threshold. Resolve does not allocate.
func (c *Cache) Resolve(hash uint64, tok state.Token) (Candidate, float64, bool) {
	s := c.shardFor(hash)
	s.mu.RLock()
	b, ok := s.buckets[hash]
	var (
		best    Candidate
		bestSim = -1.0
	)
	if ok {
		for i := 0; i < b.len(); i++ {
			cand := b.at(i)
			sim := state.Similarity(cand.Representative, tok)
			if sim > bestSim || (sim == bestSim && cand.Strength > best.Strength) {
				best, bestSim = *cand, sim
			}
		}
	}
	s.mu.RUnlock()

	if bestSim < c.cfg.SimilarityThreshold {
		c.misses.Add(1)
		return Candidate{}, 0, false
	}
	c.hits.Add(1)
	return best, bestSim, true
}

// #endregion lookup

// #region insert
// Insert adds or updates the candidate for cand.Action under hash. It reports
// false when the bucket was full and cand was the weakest.
func (c *Cache) Insert(hash uint64, cand Candidate) bool {
	admitted, _ := c.Upsert(hash, cand, nil)
	return admitted
}

// Upsert is Insert with a check run against the resulting bucket before it
// is published. A check error leaves the bucket untouched and is returned.
func (c *Cache) Upsert(hash uint64, cand Candidate, check func([]Candidate) error) (bool, error) {
	if cand.Action == 0 || !(cand.Strength > 0) {
		return false, ErrInvalidCandidate
	}
	cand.Stamp = c.stamp.Add(1)

	s := c.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[hash]
	var cur []Candidate
	if exists {
		cur = b.items()
	}
	next, admitted, evicted := merge(cur, cand, c.cfg.MaxCandidates)
	if check != nil {
		if err := check(next); err != nil {
			return false, err
		}
	}
	if !exists {
		b = &bucket{}
		s.buckets[hash] = b
		c.entries.Add(1)
	}
	b.load(next)

	c.evictions.Add(uint64(evicted))
	if admitted {
		c.inserts.Add(1)
	} else {
		c.rejected.Add(1)
	}
	return admitted, nil
}

// #endregion insert

// #region remove
// Remove drops the candidate for act under hash. Empty buckets are freed.
func (c *Cache) Remove(hash uint64, act action.ID) bool {
	s := c.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[hash]
	if !ok {
		return false
	}
	cands := b.items()
	for i := range cands {
		if cands[i].Action != act {
			continue
		}
		cands = append(cands[:i], cands[i+1:]...)
		if len(cands) == 0 {
			delete(s.buckets, hash)
			c.entries.Add(-1)
		} else {
			b.load(cands)
		}
		return true
	}
	return false
}

// #endregion remove

// #region stats
// Len returns the number of non-empty buckets.
func (c *Cache) Len() int {
	return int(c.entries.Load())
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.entries.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Inserts:   c.inserts.Load(),
		Rejected:  c.rejected.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Range calls fn for each bucket with a copy of its candidates until fn
// returns false. Shards are visited one at a time.
func (c *Cache) Range(fn func(hash uint64, cands []Candidate) bool) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		type kv struct {
			hash  uint64
			cands []Candidate
		}
		batch := make([]kv, 0, len(s.buckets))
		for h, b := range s.buckets {
			batch = append(batch, kv{h, b.items()})
		}
		s.mu.RUnlock()
		for _, e := range batch {
			if !fn(e.hash, e.cands) {
				return
			}
		}
	}
}

// #endregion stats
