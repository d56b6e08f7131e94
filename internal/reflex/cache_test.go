package reflex

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// tok pads vals with zeros to a full state.
func tok(vals ...float64) state.Token {
	full := make([]float64, state.Dims)
	copy(full, vals)
	return state.MustFromFloats(0, full...)
}

func cand(id action.ID, strength float64, rep state.Token) Candidate {
	return Candidate{Action: id, Strength: strength, Representative: rep, Samples: 10}
}

// #region test-resolve
func TestResolvePicksMostSimilar(t *testing.T) {
	c := New(Config{Shards: 4})
	require.True(t, c.Insert(7, cand(1, 0.9, tok(0, 0))))
	require.True(t, c.Insert(7, cand(2, 0.5, tok(0.2, 0))))

	got, sim, ok := c.Resolve(7, tok(0.19, 0))
	require.True(t, ok)
	assert.Equal(t, action.ID(2), got.Action)
	assert.Greater(t, sim, 0.9)

	got, _, ok = c.Resolve(7, tok(0.01, 0))
	require.True(t, ok)
	assert.Equal(t, action.ID(1), got.Action)
}

func TestResolveMissBelowThreshold(t *testing.T) {
	c := New(Config{SimilarityThreshold: 0.8})
	c.Insert(7, cand(1, 0.9, tok(0, 0)))

	_, _, ok := c.Resolve(7, tok(3, 0)) // similarity 0.25
	assert.False(t, ok)
	_, _, ok = c.Resolve(8, tok(0, 0))
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Zero(t, st.HitRate())
}

// #endregion test-resolve

// #region test-insert
func TestInsertUpsertsByAction(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(1, cand(5, 0.3, tok(0)))
	c.Insert(1, cand(5, 0.8, tok(1)))

	cands, ok := c.Lookup(1)
	require.True(t, ok)
	require.Len(t, cands, 1)
	assert.Equal(t, 0.8, cands[0].Strength)
	assert.Equal(t, 1, c.Len())
}

func TestInsertSpillsPastInline(t *testing.T) {
	c := New(Config{MaxCandidates: 6})
	for i := 1; i <= 6; i++ {
		require.True(t, c.Insert(1, cand(action.ID(i), 0.5, tok(float64(i)))))
	}
	cands, _ := c.Lookup(1)
	require.Len(t, cands, 6)
	for i, cd := range cands {
		assert.Equal(t, action.ID(i+1), cd.Action, "insertion order kept across spill")
	}
}

func TestInsertEvictsWeakestThenOldest(t *testing.T) {
	c := New(Config{MaxCandidates: 3})
	c.Insert(1, cand(1, 0.5, tok(0)))
	c.Insert(1, cand(2, 0.2, tok(0)))
	c.Insert(1, cand(3, 0.2, tok(0)))

	// 4 beats both 0.2s; the older 0.2 (action 2) goes.
	assert.True(t, c.Insert(1, cand(4, 0.6, tok(0))))
	ids := actions(t, c, 1)
	assert.ElementsMatch(t, []action.ID{1, 3, 4}, ids)

	// Too weak to enter a full bucket: silently rejected.
	assert.False(t, c.Insert(1, cand(5, 0.1, tok(0))))
	assert.ElementsMatch(t, []action.ID{1, 3, 4}, actions(t, c, 1))

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Evictions)
	assert.Equal(t, uint64(1), st.Rejected)
}

func TestInsertRejectsInvalid(t *testing.T) {
	c := New(DefaultConfig())
	_, err := c.Upsert(1, cand(0, 0.5, tok(0)), nil)
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	_, err = c.Upsert(1, cand(1, 0, tok(0)), nil)
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	assert.Zero(t, c.Len())
}

func actions(t *testing.T, c *Cache, hash uint64) []action.ID {
	t.Helper()
	cands, ok := c.Lookup(hash)
	require.True(t, ok)
	ids := make([]action.ID, len(cands))
	for i, cd := range cands {
		ids[i] = cd.Action
	}
	return ids
}

// #endregion test-insert

// #region test-upsert
func TestUpsertCheckBlocksPublish(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(1, cand(1, 0.5, tok(0)))

	boom := errors.New("boom")
	admitted, err := c.Upsert(1, cand(2, 0.5, tok(0)), func(next []Candidate) error {
		assert.Len(t, next, 2)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, admitted)
	assert.Equal(t, []action.ID{1}, actions(t, c, 1))

	// A failing check on a new hash creates nothing.
	_, err = c.Upsert(2, cand(2, 0.5, tok(0)), func([]Candidate) error { return boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Lookup(2)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

// #endregion test-upsert

func TestRemove(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(1, cand(1, 0.5, tok(0)))
	c.Insert(1, cand(2, 0.5, tok(0)))

	assert.True(t, c.Remove(1, 1))
	assert.False(t, c.Remove(1, 1))
	assert.Equal(t, []action.ID{2}, actions(t, c, 1))
	assert.True(t, c.Remove(1, 2))
	assert.Zero(t, c.Len())
	assert.False(t, c.Remove(99, 1))
}

func TestLookupReturnsCopy(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(1, cand(1, 0.5, tok(0)))
	cands, _ := c.Lookup(1)
	cands[0].Strength = 0.01
	again, _ := c.Lookup(1)
	assert.Equal(t, 0.5, again[0].Strength)
}

// #region test-bounded
// Work per lookup is bounded by MaxCandidates no matter how many buckets exist.
func TestBucketSizeBoundedAtScale(t *testing.T) {
	for _, n := range []int{1_000, 10_000, 100_000} {
		c := New(Config{MaxCandidates: 4})
		r := rand.New(rand.NewPCG(uint64(n), 1))
		for i := 0; i < n; i++ {
			h := r.Uint64() % uint64(n/10+1)
			c.Insert(h, cand(action.ID(r.IntN(16)+1), r.Float64()+0.01, tok(0)))
		}
		c.Range(func(_ uint64, cands []Candidate) bool {
			require.LessOrEqual(t, len(cands), 4)
			return true
		})
		assert.Equal(t, c.Stats().Entries, int64(c.Len()))
	}
}

func BenchmarkResolve(b *testing.B) {
	for _, n := range []int{1_000, 10_000, 100_000} {
		b.Run(fmt.Sprintf("entries=%d", n), func(b *testing.B) {
			c := New(DefaultConfig())
			for i := 0; i < n; i++ {
				c.Insert(uint64(i)*0x9E3779B97F4A7C15, cand(1, 0.5, tok(0)))
			}
			q := tok(0)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				c.Resolve(uint64(i%n)*0x9E3779B97F4A7C15, q)
			}
		})
	}
}

// #endregion test-bounded

func TestConcurrentInsertAndResolve(t *testing.T) {
	c := New(Config{Shards: 8})
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h := uint64(w*500 + i)
				c.Insert(h, cand(action.ID(w+1), 0.5, tok(0)))
				_, _, ok := c.Resolve(h, tok(0))
				assert.True(t, ok)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 8000, c.Len())
	assert.Equal(t, uint64(8000), c.Stats().Hits)
}
