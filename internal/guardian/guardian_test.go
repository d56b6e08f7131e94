package guardian

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

type fixture struct {
	g     *graph.Graph
	cache *reflex.Cache
	gd    *Guardian
	obs   *countingObserver
}

type countingObserver struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (o *countingObserver) ObserveVerdict(kind string, accepted bool, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if accepted {
		reason = "ok"
	}
	o.reasons[kind+"/"+reason]++
}

func newFixture(t *testing.T, mutate ...func(*Constitution)) fixture {
	t.Helper()
	cat, err := action.NewCatalog(
		action.Spec{ID: 1, Name: "hold", Safe: true},
		action.Spec{ID: 2, Name: "push", Cost: 0.4},
		action.Spec{ID: 3, Name: "launch", Cost: 9},
	)
	require.NoError(t, err)
	cons := DefaultConstitution()
	for _, m := range mutate {
		m(&cons)
	}
	f := fixture{
		g:     graph.New(4),
		cache: reflex.New(reflex.Config{MaxCandidates: 2}),
		obs:   &countingObserver{reasons: map[string]int{}},
	}
	f.gd = New(f.g, f.cache, cat, cons, WithObserver(f.obs))
	return f
}

func (f fixture) hypothesis(t *testing.T, conf uint8) graph.Connection {
	t.Helper()
	c, err := f.g.Insert(graph.Connection{Source: 10, Target: graph.ActionNode(1), Confidence: conf, Tier: graph.TierHypothesis})
	require.NoError(t, err)
	return c
}

// #region test-immutable
func TestImmutableAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	seeded, err := f.g.Seed(10, graph.ActionNode(1), 200)
	require.NoError(t, err)

	for _, p := range []Proposal{
		{Kind: KindModifyConfidence, Conn: seeded.ID, Delta: 1},
		{Kind: KindModifyConfidence, Conn: seeded.ID, Delta: -1},
		{Kind: KindDeleteConnection, Conn: seeded.ID},
		{Kind: KindPromoteTier, Conn: seeded.ID},
	} {
		v := f.gd.Submit(p)
		assert.False(t, v.Accepted, p.Kind.String())
		assert.Equal(t, ReasonImmutable, v.Reason, p.Kind.String())
	}
	after, ok := f.g.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, seeded, after)
}

// #endregion test-immutable

// #region test-modify
func TestModifyConfidence(t *testing.T) {
	f := newFixture(t)
	c := f.hypothesis(t, 100)

	v := f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: 20})
	require.True(t, v.Accepted, v.Detail)
	assert.Equal(t, uint8(100), v.Before.Confidence)
	assert.Equal(t, uint8(120), v.After.Confidence)
	assert.Equal(t, uint8(1), v.After.Activations)
	assert.Equal(t, c.Version+1, v.After.Version)

	v = f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: -20})
	require.True(t, v.Accepted)
	assert.Equal(t, uint8(1), v.After.Activations, "only reinforcement counts as activation")
}

func TestOutOfRangeLeavesConfidenceUnchanged(t *testing.T) {
	f := newFixture(t, func(c *Constitution) { c.ConfidenceCeiling = 200; c.ConfidenceFloor = 10 })
	c := f.hypothesis(t, 190)

	v := f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: 20})
	assert.False(t, v.Accepted)
	assert.Equal(t, ReasonOutOfRange, v.Reason)

	v = f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: -64})
	assert.True(t, v.Accepted)
	v = f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: -64})
	assert.True(t, v.Accepted)
	v = f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: -60})
	assert.Equal(t, ReasonOutOfRange, v.Reason)

	got, _ := f.g.Get(c.ID)
	assert.Equal(t, uint8(62), got.Confidence)
}

func TestModifyStepLimitsAndMissing(t *testing.T) {
	f := newFixture(t)
	c := f.hypothesis(t, 100)

	assert.Equal(t, ReasonStepTooLarge, f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: 65}).Reason)
	assert.Equal(t, ReasonOutOfRange, f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID}).Reason)
	assert.Equal(t, ReasonNotFound, f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: 999, Delta: 1}).Reason)
	assert.Equal(t, ReasonUnknownKind, f.gd.Submit(Proposal{Kind: Kind(200)}).Reason)
}

// #endregion test-modify

// #region test-create
func TestCreateConnection(t *testing.T) {
	f := newFixture(t, func(c *Constitution) { c.MaxOutDegree = 2 })

	v := f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10, Target: graph.ActionNode(1), Delta: 8})
	require.True(t, v.Accepted, v.Detail)
	assert.Equal(t, graph.TierHypothesis, v.After.Tier)
	assert.Equal(t, uint8(136), v.After.Confidence)

	assert.Equal(t, ReasonDuplicate, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10, Target: graph.ActionNode(1)}).Reason)
	assert.Equal(t, ReasonNotFound, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10, Target: graph.ActionNode(77)}).Reason)
	assert.Equal(t, ReasonNotFound, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10}).Reason)
	assert.Equal(t, ReasonTierForbidden, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10, Target: 11, Tier: graph.TierImmutable}).Reason)

	require.True(t, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10, Target: graph.ActionNode(2)}).Accepted)
	assert.Equal(t, ReasonDegreeLimit, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 10, Target: graph.ActionNode(3)}).Reason)
	assert.Equal(t, 2, f.g.Len())
}

func TestCreateRespectsCapacity(t *testing.T) {
	f := newFixture(t, func(c *Constitution) { c.MaxConnections = 1 })
	require.True(t, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 1, Target: 2}).Accepted)
	assert.Equal(t, ReasonCapacity, f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 3, Target: 4}).Reason)
}

func TestConcurrentCreatesHoldCapacity(t *testing.T) {
	f := newFixture(t, func(c *Constitution) { c.MaxConnections = 8 })

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for src := 0; src < 64; src++ {
		wg.Add(1)
		go func(src graph.NodeID) {
			defer wg.Done()
			v := f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 100 + src, Target: graph.ActionNode(2)})
			if v.Accepted {
				accepted.Add(1)
			} else {
				assert.Equal(t, ReasonCapacity, v.Reason)
			}
		}(graph.NodeID(src))
	}
	wg.Wait()

	assert.Equal(t, int64(8), accepted.Load())
	assert.Equal(t, 8, f.g.Len())
}

// #endregion test-create

// #region test-promote-delete
func TestPromoteTier(t *testing.T) {
	f := newFixture(t)
	c := f.hypothesis(t, 150)

	assert.Equal(t, ReasonPremature, f.gd.Submit(Proposal{Kind: KindPromoteTier, Conn: c.ID}).Reason)
	for i := 0; i < 3; i++ {
		require.True(t, f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: 5}).Accepted)
	}
	v := f.gd.Submit(Proposal{Kind: KindPromoteTier, Conn: c.ID})
	require.True(t, v.Accepted, v.Detail)
	assert.Equal(t, graph.TierLearnable, v.After.Tier)
	assert.Equal(t, float32(0.5), v.After.Rigidity)

	assert.Equal(t, ReasonTierForbidden, f.gd.Submit(Proposal{Kind: KindPromoteTier, Conn: c.ID}).Reason)
}

func TestDeleteConnection(t *testing.T) {
	f := newFixture(t)
	strong := f.hypothesis(t, 200)
	assert.Equal(t, ReasonConstitution, f.gd.Submit(Proposal{Kind: KindDeleteConnection, Conn: strong.ID}).Reason)

	weak, err := f.g.Insert(graph.Connection{Source: 11, Target: graph.ActionNode(2), Confidence: 5, Tier: graph.TierLearnable})
	require.NoError(t, err)
	v := f.gd.Submit(Proposal{Kind: KindDeleteConnection, Conn: weak.ID})
	require.True(t, v.Accepted)
	assert.Equal(t, weak, v.Before)
	_, ok := f.g.Get(weak.ID)
	assert.False(t, ok)
	assert.Equal(t, ReasonNotFound, f.gd.Submit(Proposal{Kind: KindDeleteConnection, Conn: weak.ID}).Reason)
}

// #endregion test-promote-delete

// #region test-reflex
func TestUpsertReflex(t *testing.T) {
	f := newFixture(t, func(c *Constitution) {
		c.ForbiddenReflexActions = []action.ID{3}
		c.MinReflexStrength = 0.1
	})
	rep := state.MustFromFloats(0, 1, 0, 0, 0, 0, 0, 0, 0)
	cand := func(id action.ID, s float64) reflex.Candidate {
		return reflex.Candidate{Action: id, Strength: s, Representative: rep}
	}

	assert.True(t, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: cand(1, 0.5)}).Accepted)
	assert.Equal(t, ReasonForbiddenAction, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: cand(3, 0.5)}).Reason)
	assert.Equal(t, ReasonNotFound, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: cand(42, 0.5)}).Reason)
	assert.Equal(t, ReasonOutOfRange, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: cand(2, 0.05)}).Reason)
	assert.Equal(t, ReasonOutOfRange, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: cand(2, 1.5)}).Reason)

	unsafe := cand(2, 0.5)
	unsafe.Representative = rep.WithFlags(state.FlagUnsafe)
	assert.Equal(t, ReasonForbiddenAction, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: unsafe}).Reason)

	assert.True(t, f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: cand(2, 0.6)}).Accepted)
	cands, _ := f.cache.Lookup(5)
	assert.Len(t, cands, 2)

	require.True(t, f.gd.Submit(Proposal{Kind: KindRemoveReflex, Hash: 5, Candidate: cand(1, 0.5)}).Accepted)
	assert.Equal(t, ReasonNotFound, f.gd.Submit(Proposal{Kind: KindRemoveReflex, Hash: 5, Candidate: cand(1, 0.5)}).Reason)
}

func TestUpsertReflexCapacity(t *testing.T) {
	f := newFixture(t)
	rep := state.MustFromFloats(0, 0, 0, 0, 0, 0, 0, 0, 0)
	f.cache.Insert(5, reflex.Candidate{Action: 1, Strength: 0.9, Representative: rep})
	f.cache.Insert(5, reflex.Candidate{Action: 2, Strength: 0.9, Representative: rep})

	v := f.gd.Submit(Proposal{Kind: KindUpsertReflex, Hash: 5, Candidate: reflex.Candidate{Action: 3, Strength: 0.2, Representative: rep}})
	assert.Equal(t, ReasonCapacity, v.Reason)
}

func TestCheckBucketDoesNotAllocate(t *testing.T) {
	f := newFixture(t)
	rep := state.MustFromFloats(0, 0, 0, 0, 0, 0, 0, 0, 0)
	bucket := []reflex.Candidate{
		{Action: 1, Strength: 0.9, Representative: rep},
		{Action: 2, Strength: 0.5, Representative: rep},
	}
	allocs := testing.AllocsPerRun(100, func() {
		if err := f.gd.checkBucket(bucket); err != nil {
			t.Fatal(err)
		}
	})
	assert.Zero(t, allocs)

	bucket[1].Action = 1
	var rej *RejectedError
	require.ErrorAs(t, f.gd.checkBucket(bucket), &rej)
	assert.Equal(t, ReasonPostCheck, rej.Reason)
}

// #endregion test-reflex

// #region test-approve
func TestApproveAction(t *testing.T) {
	f := newFixture(t, func(c *Constitution) { c.MaxActionCost = 1 })
	safe := state.MustFromFloats(0, 0, 0, 0, 0, 0, 0, 0, 0)
	hazard := safe.WithFlags(state.FlagUnsafe)

	assert.True(t, f.gd.ApproveAction(safe, action.Spec{ID: 2}).Accepted)
	assert.True(t, f.gd.ApproveAction(hazard, action.Spec{ID: 1}).Accepted)
	assert.Equal(t, ReasonForbiddenAction, f.gd.ApproveAction(hazard, action.Spec{ID: 2}).Reason)
	assert.Equal(t, ReasonNotFound, f.gd.ApproveAction(safe, action.Spec{ID: 50}).Reason)
	assert.Equal(t, ReasonConstitution, f.gd.ApproveAction(safe, action.Spec{ID: 3}).Reason)

	// The registered spec is authoritative, not the caller's copy.
	assert.Equal(t, ReasonForbiddenAction, f.gd.ApproveAction(hazard, action.Spec{ID: 2, Safe: true}).Reason)
}

// #endregion test-approve

func TestRejectedError(t *testing.T) {
	f := newFixture(t)
	v := f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: 1, Delta: 1})
	err := v.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonNotFound, rej.Reason)
	assert.Contains(t, err.Error(), "modify_confidence")

	ok := f.gd.Submit(Proposal{Kind: KindCreateConnection, Source: 1, Target: 2})
	assert.NoError(t, ok.Err())

	assert.Equal(t, Stats{Accepted: 1, Rejected: 1}, f.gd.Stats())
	assert.Equal(t, 1, f.obs.reasons["modify_confidence/not_found"])
	assert.Equal(t, 1, f.obs.reasons["create_connection/ok"])
}

// #region test-atomic
// Concurrent modifications of one connection must serialize: every accepted
// step is applied exactly once and no reader sees an out-of-range value.
func TestConcurrentProposalsAreAtomic(t *testing.T) {
	f := newFixture(t, func(c *Constitution) { c.ConfidenceFloor = 20; c.ConfidenceCeiling = 220 })
	c := f.hypothesis(t, 120)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		netDelta int
		stop     = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			cur, _ := f.g.Get(c.ID)
			if cur.Confidence < 20 || cur.Confidence > 220 {
				t.Errorf("observed invalid confidence %d", cur.Confidence)
				return
			}
		}
	}()

	var writers sync.WaitGroup
	for w := 0; w < 16; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			delta := 7
			if w%2 == 1 {
				delta = -9
			}
			for i := 0; i < 200; i++ {
				if f.gd.Submit(Proposal{Kind: KindModifyConfidence, Conn: c.ID, Delta: delta}).Accepted {
					mu.Lock()
					netDelta += delta
					mu.Unlock()
				}
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	final, _ := f.g.Get(c.ID)
	assert.Equal(t, 120+netDelta, int(final.Confidence))
	assert.Equal(t, uint64(16*200), f.gd.Stats().Accepted+f.gd.Stats().Rejected)
}

// #endregion test-atomic
