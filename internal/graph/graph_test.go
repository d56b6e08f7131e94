package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hypothesis(source, target NodeID, confidence uint8) Connection {
	return Connection{
		Source:     source,
		Target:     target,
		Confidence: confidence,
		Rigidity:   0.5,
		Tier:       TierHypothesis,
	}
}

// #region test-insert
func TestInsertAndLookup(t *testing.T) {
	g := New(4)

	c, err := g.Insert(hypothesis(1, 2, 10))
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, uint32(1), c.Version)

	got, ok := g.Lookup(1, 2)
	require.True(t, ok)
	assert.Equal(t, c, got)

	// Duplicate pair is rejected.
	_, err = g.Insert(hypothesis(1, 2, 99))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 1, g.OutDegree(1))
}

func TestInsertBounded(t *testing.T) {
	g := New(4)
	_, err := g.InsertBounded(hypothesis(1, 2, 10), 2)
	require.NoError(t, err)
	_, err = g.InsertBounded(hypothesis(1, 3, 10), 2)
	require.NoError(t, err)

	_, err = g.InsertBounded(hypothesis(4, 5, 10), 2)
	assert.ErrorIs(t, err, ErrCapacity)
	_, err = g.InsertBounded(hypothesis(1, 2, 10), 2)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 2, g.Len())

	_, err = g.InsertBounded(hypothesis(4, 5, 10), 0)
	assert.NoError(t, err)
}

// #endregion test-insert

// #region test-replace
func TestReplaceVersioning(t *testing.T) {
	g := New(4)
	c, err := g.Insert(hypothesis(1, 2, 10))
	require.NoError(t, err)

	next := c
	next.Confidence = 20
	next.Source = 99 // ignored: endpoints are fixed
	stored, err := g.Replace(c.Version, next)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), stored.Confidence)
	assert.Equal(t, NodeID(1), stored.Source)
	assert.Equal(t, uint32(2), stored.Version)

	// Stale version conflicts.
	_, err = g.Replace(c.Version, next)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = g.Replace(1, Connection{ID: 12345})
	assert.ErrorIs(t, err, ErrNotFound)
}

// #endregion test-replace

// #region test-delete
func TestDelete(t *testing.T) {
	g := New(4)
	a, _ := g.Insert(hypothesis(1, 2, 10))
	b, _ := g.Insert(hypothesis(1, 3, 10))

	assert.ErrorIs(t, g.Delete(a.ID, a.Version+1), ErrConflict)
	require.NoError(t, g.Delete(a.ID, a.Version))
	assert.ErrorIs(t, g.Delete(a.ID, a.Version), ErrNotFound)

	_, ok := g.Lookup(1, 2)
	assert.False(t, ok)
	assert.Equal(t, 1, g.OutDegree(1))
	assert.Equal(t, 1, g.Len())

	require.NoError(t, g.Delete(b.ID, b.Version))
	assert.Equal(t, 0, g.OutDegree(1))

	// Pair can be recreated after deletion.
	_, err := g.Insert(hypothesis(1, 2, 5))
	assert.NoError(t, err)
}

// #endregion test-delete

// #region test-neighbors
func TestNeighborsOrderedByConfidence(t *testing.T) {
	g := New(4)
	g.Insert(hypothesis(1, 2, 50))
	g.Insert(hypothesis(1, 3, 200))
	g.Insert(hypothesis(1, 4, 5))

	edges := g.Neighbors(1, 10)
	require.Len(t, edges, 2)
	assert.Equal(t, NodeID(3), edges[0].Target)
	assert.Equal(t, NodeID(2), edges[1].Target)
}

// #endregion test-neighbors

// #region test-walk
func TestWalk(t *testing.T) {
	g := New(4)
	g.Insert(hypothesis(1, 2, 255))
	g.Insert(hypothesis(2, 3, 128))
	g.Insert(hypothesis(3, 1, 255)) // cycle back
	g.Insert(hypothesis(1, 9, 1))   // below threshold

	res := g.Walk(1, 5, 10, 10)
	assert.Equal(t, []NodeID{1, 2, 3}, res.IDs)
	require.Len(t, res.Scores, 3)
	assert.InDelta(t, 1.0, res.Scores[1], 1e-9)
	assert.InDelta(t, 128.0/255.0, res.Scores[2], 1e-9)

	limited := g.Walk(1, 1, 10, 10)
	assert.Equal(t, []NodeID{1, 2}, limited.IDs)

	capped := g.Walk(1, 5, 0, 2)
	assert.Len(t, capped.IDs, 2)
}

// #endregion test-walk

// #region test-decay
func TestDecayScan(t *testing.T) {
	g := New(4)
	soft, _ := g.Insert(Connection{Source: 1, Target: 2, Confidence: 100, Rigidity: 0, Tier: TierLearnable})
	g.Insert(Connection{Source: 1, Target: 3, Confidence: 100, Rigidity: 1, Tier: TierLearnable})
	g.Seed(1, 4, 100)

	decays := g.DecayScan(0.1)
	require.Len(t, decays, 1)
	assert.Equal(t, soft.ID, decays[0].ID)
	assert.Equal(t, -10, decays[0].Delta)

	// Scan never mutates.
	c, _ := g.Get(soft.ID)
	assert.Equal(t, uint8(100), c.Confidence)
	assert.Nil(t, g.DecayScan(0))
}

// #endregion test-decay

func TestActionNodeNamespace(t *testing.T) {
	n := ActionNode(42)
	id, ok := ActionOf(n)
	require.True(t, ok)
	assert.EqualValues(t, 42, id)

	_, ok = ActionOf(NodeID(12345))
	assert.False(t, ok)
}

func TestSaturatingAdd(t *testing.T) {
	assert.Equal(t, uint8(255), SaturatingAdd(250, 10))
	assert.Equal(t, uint8(0), SaturatingAdd(5, -10))
	assert.Equal(t, uint8(15), SaturatingAdd(5, 10))
}

func TestCodecRoundTrip(t *testing.T) {
	c := Connection{
		ID: 7, Source: 11, Target: ActionNode(3),
		Confidence: 200, Activations: 9, Rigidity: 0.75,
		Tier: TierLearnable, Version: 4,
	}
	buf := Encode(c)
	got, err := Decode(buf[:])
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = Decode(buf[:10])
	assert.ErrorIs(t, err, ErrShortRecord)
	buf[0] = 0
	_, err = Decode(buf[:])
	assert.ErrorIs(t, err, ErrRecordVersion)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	g := New(8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				src := NodeID(w*1000 + i)
				c, err := g.Insert(hypothesis(src, 1, 10))
				if !assert.NoError(t, err) {
					return
				}
				next := c
				next.Confidence = 11
				_, err = g.Replace(c.Version, next)
				assert.NoError(t, err)
				g.Neighbors(src, 0)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1600, g.Len())
	assert.Len(t, g.Snapshot(), 1600)
}
