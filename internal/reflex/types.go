// Package reflex implements the fast-path associative memory: a sharded map
// from spatial hash to a small set of candidate actions.
package reflex

import (
	"errors"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region candidate
// Candidate is one learned action for a hash bucket.
type Candidate struct {
	Action         action.ID
	Strength       float64     // (0, 1]; lowest is evicted first
	Representative state.Token // state the similarity check compares against
	Samples        uint32      // experiences behind this candidate
	Stamp          uint64      // insertion order, assigned by the cache
}

// #endregion candidate

// #region config
// InlineCapacity is the number of candidates stored without a heap spill.
const InlineCapacity = 4

// Config holds cache sizing and resolution parameters.
type Config struct {
	Shards              int     // rounded up to a power of two
	MaxCandidates       int     // per-bucket cap; beyond it the weakest is dropped
	SimilarityThreshold float64 // minimum similarity for a hit
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Shards:              64,
		MaxCandidates:       8,
		SimilarityThreshold: 0.5,
	}
}

// #endregion config

// #region stats
// Stats is a point-in-time copy of cache counters.
type Stats struct {
	Entries   int64
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Rejected  uint64
	Evictions uint64
}

// HitRate returns hits / (hits + misses), or 0 when nothing was resolved.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// #endregion stats

// ErrInvalidCandidate is returned by Upsert for a zero action or non-positive strength.
var ErrInvalidCandidate = errors.New("reflex: invalid candidate")
