package quorum

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQuorum(cfg Config) (*Quorum, *testClock) {
	clock := &testClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q := New(cfg)
	q.SetClock(clock.Now)
	return q, clock
}

func TestPropose_ProposerVotesYes(t *testing.T) {
	q, _ := newTestQuorum(DefaultConfig())
	id := q.Propose("policy/mode", "strict", "alice")

	p, ok := q.Proposal(id)
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"alice": true}, p.Votes)
	assert.Equal(t, "policy/mode", p.Key)
	assert.Equal(t, "strict", p.Value)
	assert.False(t, p.Resolved)
	assert.Nil(t, p.Result)
}

func TestResolve_TwoForOneAgainstApproves(t *testing.T) {
	q, _ := newTestQuorum(Config{Threshold: 0.67})
	id := q.Propose("k", "v", "alice")
	require.NoError(t, q.Vote(id, "bob", true))
	require.NoError(t, q.Vote(id, "carol", false))

	res, err := q.Resolve(id)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, 2, res.For)
	assert.Equal(t, 1, res.Against)
	assert.Equal(t, 3, res.Total)
	assert.InDelta(t, 0.667, res.Ratio, 1e-3)
	assert.Equal(t, 0.67, res.Threshold)
}

func TestResolve_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		yes, no   int // besides the proposer
		want      bool
	}{
		{"unanimous", 0.67, 2, 0, true},
		{"half fails two-thirds", 0.67, 0, 1, false},
		{"three of five fails", 0.67, 2, 2, false},
		{"half meets half", 0.5, 0, 1, true},
		{"three of four meets 0.75", 0.75, 2, 1, true},
		{"unanimity admits no dissent", 1.0, 198, 1, false},
		{"unanimity approves unanimous", 1.0, 3, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQuorum(Config{Threshold: tt.threshold})
			id := q.Propose("k", "v", "p")
			for i := 0; i < tt.yes; i++ {
				require.NoError(t, q.Vote(id, fmt.Sprintf("y%d", i), true))
			}
			for i := 0; i < tt.no; i++ {
				require.NoError(t, q.Vote(id, fmt.Sprintf("n%d", i), false))
			}
			res, err := q.Resolve(id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Approved, "ratio=%.4f", res.Ratio)
		})
	}
}

func TestTally_UnanimityIsExact(t *testing.T) {
	votes := map[string]bool{"n0": false}
	for i := 0; i < 199; i++ {
		votes[fmt.Sprintf("y%d", i)] = true
	}
	res := tally(votes, 1.0)
	assert.InDelta(t, 0.995, res.Ratio, 1e-9)
	assert.False(t, res.Approved)

	delete(votes, "n0")
	assert.True(t, tally(votes, 1.0).Approved)
}

func TestTally_NoVotesNeverApproves(t *testing.T) {
	res := tally(map[string]bool{}, 0.01)
	assert.False(t, res.Approved)
	assert.Zero(t, res.Ratio)
	assert.Zero(t, res.Total)
}

func TestVote_OverwritesPriorBallot(t *testing.T) {
	q, _ := newTestQuorum(DefaultConfig())
	id := q.Propose("k", "v", "alice")
	require.NoError(t, q.Vote(id, "bob", false))
	require.NoError(t, q.Vote(id, "bob", true))
	// Proposer can change their mind too.
	require.NoError(t, q.Vote(id, "alice", false))

	res, err := q.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.For)
	assert.Equal(t, 1, res.Against)
	assert.Equal(t, 2, res.Total)
}

func TestVote_Errors(t *testing.T) {
	q, _ := newTestQuorum(DefaultConfig())
	assert.ErrorIs(t, q.Vote("missing", "bob", true), ErrProposalNotFound)

	_, err := q.Resolve("missing")
	assert.ErrorIs(t, err, ErrProposalNotFound)
}

func TestVote_AfterResolveFailsAndResultUnchanged(t *testing.T) {
	q, clock := newTestQuorum(DefaultConfig())
	id := q.Propose("k", "v", "alice")
	require.NoError(t, q.Vote(id, "bob", false))

	first, err := q.Resolve(id)
	require.NoError(t, err)
	require.False(t, first.Approved)

	err = q.Vote(id, "carol", true)
	assert.ErrorIs(t, err, ErrProposalResolved)

	clock.Advance(time.Minute)
	second, err := q.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	p, _ := q.Proposal(id)
	assert.Equal(t, first, *p.Result)
	assert.NotContains(t, p.Votes, "carol")
}

func TestProposal_ReturnsCopies(t *testing.T) {
	q, _ := newTestQuorum(DefaultConfig())
	id := q.Propose("k", "v", "alice")
	_, err := q.Resolve(id)
	require.NoError(t, err)

	p, _ := q.Proposal(id)
	p.Votes["mallory"] = true
	p.Result.Approved = false
	p.Value = "tampered"

	all := q.Proposals()
	require.Len(t, all, 1)
	all[0].Votes["eve"] = false

	again, _ := q.Proposal(id)
	assert.Equal(t, map[string]bool{"alice": true}, again.Votes)
	assert.True(t, again.Result.Approved)
	assert.Equal(t, "v", again.Value)

	_, ok := q.Proposal("missing")
	assert.False(t, ok)
}

func TestPropose_EvictsSingleOldest(t *testing.T) {
	q, clock := newTestQuorum(Config{MaxProposals: 3})
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, q.Propose(fmt.Sprintf("k%d", i), "v", "alice"))
		clock.Advance(time.Second)
	}

	all := q.Proposals()
	require.Len(t, all, 3)
	_, ok := q.Proposal(ids[0])
	assert.False(t, ok)
	assert.Equal(t, []string{"k1", "k2", "k3"}, []string{all[0].Key, all[1].Key, all[2].Key})
}

func TestPropose_EvictionTieBreaksOnCreationOrder(t *testing.T) {
	q, _ := newTestQuorum(Config{MaxProposals: 2})
	a := q.Propose("a", "v", "p")
	b := q.Propose("b", "v", "p")
	c := q.Propose("c", "v", "p")

	_, ok := q.Proposal(a)
	assert.False(t, ok)
	_, ok = q.Proposal(b)
	assert.True(t, ok)
	_, ok = q.Proposal(c)
	assert.True(t, ok)
}

func TestClearResolved(t *testing.T) {
	q, clock := newTestQuorum(DefaultConfig())
	old := q.Propose("old", "v", "a")
	open := q.Propose("open", "v", "a")
	clock.Advance(time.Hour)
	recent := q.Propose("recent", "v", "a")

	for _, id := range []string{old, recent} {
		_, err := q.Resolve(id)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, q.ClearResolved(30*time.Minute))
	_, ok := q.Proposal(old)
	assert.False(t, ok)

	assert.Equal(t, 1, q.ClearResolved(0))
	_, ok = q.Proposal(recent)
	assert.False(t, ok)

	// Open proposals are never cleared.
	assert.Zero(t, q.ClearResolved(0))
	_, ok = q.Proposal(open)
	assert.True(t, ok)
}

type sinkFunc func(Proposal) error

func (f sinkFunc) RecordResolution(p Proposal) error { return f(p) }

func TestSink_ReceivesResolvedProposalOnce(t *testing.T) {
	q, _ := newTestQuorum(DefaultConfig())
	var got []Proposal
	q.SetSink(sinkFunc(func(p Proposal) error {
		got = append(got, p)
		return nil
	}))

	id := q.Propose("k", "v", "alice")
	_, err := q.Resolve(id)
	require.NoError(t, err)
	_, err = q.Resolve(id)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.True(t, got[0].Resolved)
	require.NotNil(t, got[0].Result)
	assert.True(t, got[0].Result.Approved)
}

func TestConcurrentVotes(t *testing.T) {
	q, _ := newTestQuorum(DefaultConfig())
	id := q.Propose("k", "v", "proposer")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Vote(id, fmt.Sprintf("agent-%d", i), i%5 != 0)
		}(i)
	}
	wg.Wait()

	res, err := q.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, 51, res.Total)
	assert.Equal(t, 41, res.For)
	assert.Equal(t, 10, res.Against)
}
