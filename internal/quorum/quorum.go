// Package quorum gates critical shared-memory writes behind a vote among
// agents. A write is proposed, agents vote, and resolution approves it when
// the share of "yes" votes reaches the configured threshold.
package quorum

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"guidance/internal/logging"
)

var (
	// ErrProposalNotFound is returned for an unknown proposal id.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrProposalResolved is returned when voting on a frozen proposal.
	ErrProposalResolved = errors.New("proposal already resolved")
)

// Config holds quorum parameters.
type Config struct {
	Threshold    float64 `yaml:"threshold" json:"threshold"`
	MaxProposals int     `yaml:"max_proposals" json:"max_proposals"`
}

// DefaultConfig returns a two-thirds quorum over at most 1000 open proposals.
func DefaultConfig() Config {
	return Config{Threshold: 0.67, MaxProposals: 1000}
}

// Result is the immutable outcome of resolving a proposal.
type Result struct {
	Approved   bool      `json:"approved"`
	For        int       `json:"for"`
	Against    int       `json:"against"`
	Total      int       `json:"total"`
	Ratio      float64   `json:"ratio"`
	Threshold  float64   `json:"threshold"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Proposal is a pending or resolved memory write. Values returned by the
// Quorum are copies.
type Proposal struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	Value      string          `json:"value"`
	ProposerID string          `json:"proposer_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Votes      map[string]bool `json:"votes"`
	Resolved   bool            `json:"resolved"`
	Result     *Result         `json:"result,omitempty"`
}

func (p *Proposal) clone() Proposal {
	out := *p
	out.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	if p.Result != nil {
		r := *p.Result
		out.Result = &r
	}
	return out
}

// Sink receives every proposal at the moment it is resolved.
type Sink interface {
	RecordResolution(Proposal) error
}

type entry struct {
	Proposal
	seq uint64 // creation order, breaks CreatedAt ties
}

// Quorum owns the proposal table. A single mutex makes each vote and
// resolve an atomic read-modify-write.
type Quorum struct {
	cfg  Config
	now  func() time.Time
	sink Sink

	mu        sync.Mutex
	proposals map[string]*entry
	seq       uint64
}

// New creates a quorum; unset fields fall back to DefaultConfig.
func New(cfg Config) *Quorum {
	def := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxProposals <= 0 {
		cfg.MaxProposals = def.MaxProposals
	}
	return &Quorum{
		cfg:       cfg,
		now:       time.Now,
		proposals: make(map[string]*entry),
	}
}

// SetClock replaces the time source.
func (q *Quorum) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// SetSink attaches a resolution sink; nil detaches.
func (q *Quorum) SetSink(s Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sink = s
}

// Threshold returns the approval ratio in effect.
func (q *Quorum) Threshold() float64 { return q.cfg.Threshold }

// Propose opens a proposal with the proposer's own "yes" vote and returns its id.
func (q *Quorum) Propose(key, value, proposerID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	e := &entry{
		Proposal: Proposal{
			ID:         uuid.New().String(),
			Key:        key,
			Value:      value,
			ProposerID: proposerID,
			CreatedAt:  q.now(),
			Votes:      map[string]bool{proposerID: true},
		},
		seq: q.seq,
	}
	q.proposals[e.ID] = e

	if len(q.proposals) > q.cfg.MaxProposals {
		q.evictOldestLocked()
	}

	logging.QuorumDebug("Proposal %s opened by %s for key %q", e.ID, proposerID, key)
	return e.ID
}

// evictOldestLocked removes the single oldest proposal with a linear scan.
func (q *Quorum) evictOldestLocked() {
	var oldest *entry
	for _, e := range q.proposals {
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) ||
			(e.CreatedAt.Equal(oldest.CreatedAt) && e.seq < oldest.seq) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(q.proposals, oldest.ID)
		logging.Get(logging.CategoryQuorum).Warn("Proposal table full, evicted %s (key %q)", oldest.ID, oldest.Key)
	}
}

// Vote records or overwrites voterID's ballot. Voting on an unknown or
// resolved proposal fails.
func (q *Quorum) Vote(proposalID, voterID string, approve bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if e.Resolved {
		return fmt.Errorf("%w: %s", ErrProposalResolved, proposalID)
	}
	e.Votes[voterID] = approve
	logging.QuorumDebug("Proposal %s: %s voted %t", proposalID, voterID, approve)
	return nil
}

// Resolve tallies the votes and freezes the proposal. Resolving again
// returns the stored result without re-tallying.
func (q *Quorum) Resolve(proposalID string) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.proposals[proposalID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if e.Resolved {
		return *e.Result, nil
	}

	res := tally(e.Votes, q.cfg.Threshold)
	res.ResolvedAt = q.now()
	e.Resolved = true
	e.Result = &res

	logging.Quorum("Proposal %s resolved: approved=%t for=%d against=%d ratio=%.3f threshold=%.2f",
		proposalID, res.Approved, res.For, res.Against, res.Ratio, res.Threshold)

	if q.sink != nil {
		if err := q.sink.RecordResolution(e.clone()); err != nil {
			logging.Get(logging.CategoryQuorum).Error("Failed to record resolution of %s: %v", proposalID, err)
		}
	}
	return res, nil
}

// tally counts ballots in one pass. Below unanimity the ratio is compared at
// the two-decimal precision thresholds are written in, so 0.67 admits a
// two-thirds majority. A threshold of 1 admits no dissent.
func tally(votes map[string]bool, threshold float64) Result {
	res := Result{Threshold: threshold}
	for _, approve := range votes {
		if approve {
			res.For++
		} else {
			res.Against++
		}
	}
	res.Total = res.For + res.Against
	if res.Total == 0 {
		return res
	}
	res.Ratio = float64(res.For) / float64(res.Total)
	if threshold >= 1 {
		res.Approved = res.Against == 0
	} else {
		res.Approved = math.Round(res.Ratio*100)/100 >= threshold
	}
	return res
}

// Proposal returns a copy of one proposal.
func (q *Quorum) Proposal(proposalID string) (Proposal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.proposals[proposalID]
	if !ok {
		return Proposal{}, false
	}
	return e.clone(), true
}

// Proposals returns copies of every proposal, oldest first.
func (q *Quorum) Proposals() []Proposal {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*entry, 0, len(q.proposals))
	for _, e := range q.proposals {
		entries = append(entries, e)
	}
	sortEntries(entries)

	out := make([]Proposal, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})
}

// ClearResolved removes resolved proposals created at least maxAge ago and
// returns how many were removed. Open proposals are never removed.
func (q *Quorum) ClearResolved(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for id, e := range q.proposals {
		if e.Resolved && now.Sub(e.CreatedAt) >= maxAge {
			delete(q.proposals, id)
			removed++
		}
	}
	if removed > 0 {
		logging.Quorum("Cleared %d resolved proposal(s)", removed)
	}
	return removed
}
