// Package retrieval selects the policy shards relevant to an agent task.
// Shards are hard-filtered by risk class and repository scope, ranked by
// embedding similarity plus intent and risk boosts, and greedily selected so
// that a lower-priority rule contradicting an accepted higher-priority rule
// in the same domain is dropped. The constitution is always included.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"guidance/internal/embedding"
	"guidance/internal/intent"
	"guidance/internal/logging"
	"guidance/internal/policy"
)

// ErrNoBundle is returned when retrieval or indexing runs before a bundle is loaded.
var ErrNoBundle = errors.New("no policy bundle loaded")

// Config tunes ranking.
type Config struct {
	DefaultMaxShards int     `yaml:"default_max_shards" json:"default_max_shards"`
	IntentBoost      float64 `yaml:"intent_boost" json:"intent_boost"`
	CriticalBoost    float64 `yaml:"critical_boost" json:"critical_boost"`
	HighBoost        float64 `yaml:"high_boost" json:"high_boost"`
}

// DefaultConfig returns the standard boosts and a five-shard budget.
func DefaultConfig() Config {
	return Config{
		DefaultMaxShards: 5,
		IntentBoost:      0.15,
		CriticalBoost:    0.10,
		HighBoost:        0.05,
	}
}

// Request describes one retrieval.
type Request struct {
	Task       string
	Intent     intent.Intent      // empty: classify Task
	RiskFilter []policy.RiskClass // empty: all classes
	RepoScope  string             // empty: no scope filter
	MaxShards  int                // <= 0: Config.DefaultMaxShards
}

// ScoredShard is a selected shard with its ranking breakdown.
type ScoredShard struct {
	Shard      policy.Shard
	Similarity float64
	Score      float64
	Reason     string
}

// Result is the outcome of a retrieval.
type Result struct {
	Constitution           policy.Constitution
	Shards                 []ScoredShard
	Intent                 intent.Intent
	IntentConfidence       float64
	ContradictionsResolved int // contradicting pairs left in the final selection
	Rejected               int // candidates dropped by the priority rule
	PolicyText             string
	BundleVersion          string
	Latency                time.Duration
}

// Retriever owns one bundle and its embedding index. LoadBundle may be
// called from another goroutine (e.g. a file watcher) while retrievals run.
type Retriever struct {
	engine     embedding.EmbeddingEngine
	classifier *intent.Classifier
	cfg        Config
	globs      *globCache

	mu         sync.Mutex
	bundle     *policy.Bundle
	version    string
	embeddings map[string][]float32 // shard id -> vector, valid for version
	indexed    bool
}

// NewRetriever wires an engine and classifier. A nil classifier uses the default table.
func NewRetriever(engine embedding.EmbeddingEngine, classifier *intent.Classifier, cfg Config) *Retriever {
	if classifier == nil {
		classifier = intent.MustNewClassifier(nil)
	}
	if cfg.DefaultMaxShards <= 0 {
		cfg.DefaultMaxShards = DefaultConfig().DefaultMaxShards
	}
	return &Retriever{
		engine:     engine,
		classifier: classifier,
		cfg:        cfg,
		globs:      newGlobCache(),
	}
}

// LoadBundle replaces the bundle and drops the embedding index.
func (r *Retriever) LoadBundle(b *policy.Bundle) error {
	if b == nil {
		return ErrNoBundle
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundle = b
	r.version = b.Version()
	r.embeddings = nil
	r.indexed = false

	logging.Retrieval("Bundle loaded: %d shards, version=%s", len(b.Shards), shortHash(r.version))
	return nil
}

// Index embeds every shard of the current bundle in one batch call.
// It is a no-op when the current bundle is already indexed.
func (r *Retriever) Index(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(ctx)
}

func (r *Retriever) indexLocked(ctx context.Context) error {
	if r.bundle == nil {
		return ErrNoBundle
	}
	if r.indexed {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "Index")
	defer timer.Stop()

	texts := make([]string, len(r.bundle.Shards))
	for i, s := range r.bundle.Shards {
		texts[i] = s.Text
	}

	vectors := [][]float32{}
	if len(texts) > 0 {
		var err error
		vectors, err = r.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed shards: %w", err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedding engine returned %d vectors for %d shards", len(vectors), len(texts))
		}
	}

	index := make(map[string][]float32, len(texts))
	for i, s := range r.bundle.Shards {
		index[s.ID] = vectors[i]
	}
	r.embeddings = index
	r.indexed = true

	logging.Retrieval("Indexed %d shards with %s", len(texts), r.engine.Name())
	return nil
}

// Indexed reports whether the current bundle has been embedded.
func (r *Retriever) Indexed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexed
}

// Retrieve returns the constitution plus the ranked, contradiction-resolved
// shards for req. It fails closed with ErrNoBundle before a bundle is loaded.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	r.mu.Lock()
	if err := r.indexLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	bundle, version, index := r.bundle, r.version, r.embeddings
	r.mu.Unlock()

	query, err := r.engine.Embed(ctx, req.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to embed task: %w", err)
	}

	taskIntent, confidence := req.Intent, 1.0
	if taskIntent == "" {
		cls := r.classifier.Classify(req.Task)
		taskIntent, confidence = cls.Intent, cls.Confidence
	}

	maxShards := req.MaxShards
	if maxShards <= 0 {
		maxShards = r.cfg.DefaultMaxShards
	}

	candidates := r.rank(bundle.Shards, index, query, taskIntent, req)
	selected, rejected := selectShards(candidates, maxShards)

	result := &Result{
		Constitution:           bundle.Constitution,
		Shards:                 selected,
		Intent:                 taskIntent,
		IntentConfidence:       confidence,
		ContradictionsResolved: countContradictions(selected),
		Rejected:               rejected,
		PolicyText:             assemblePolicy(bundle.Constitution, selected),
		BundleVersion:          version,
	}
	result.Latency = time.Since(start)

	logging.Retrieval("Retrieved %d/%d shards (intent=%s, rejected=%d) in %v",
		len(selected), len(bundle.Shards), taskIntent, rejected, result.Latency)
	return result, nil
}

// rank applies hard filters and scores the survivors, best first.
func (r *Retriever) rank(shards []policy.Shard, index map[string][]float32, query []float32, taskIntent intent.Intent, req Request) []ScoredShard {
	allowed := make(map[policy.RiskClass]bool, len(req.RiskFilter))
	for _, rc := range req.RiskFilter {
		allowed[rc] = true
	}

	out := make([]ScoredShard, 0, len(shards))
	for _, s := range shards {
		if len(allowed) > 0 && !allowed[s.Risk] {
			continue
		}
		if req.RepoScope != "" && !r.inScope(s, req.RepoScope) {
			continue
		}

		sim, err := embedding.CosineSimilarity(query, index[s.ID])
		if err != nil {
			// Engine changed dimension mid-flight; treat as unrelated.
			logging.Get(logging.CategoryRetrieval).Warn("Shard %s: %v", s.ID, err)
			sim = 0
		}

		reasons := []string{fmt.Sprintf("similarity %.3f", sim)}
		score := sim
		if s.HasIntent(string(taskIntent)) {
			score += r.cfg.IntentBoost
			reasons = append(reasons, fmt.Sprintf("intent %s +%.2f", taskIntent, r.cfg.IntentBoost))
		}
		switch s.Risk {
		case policy.RiskCritical:
			score += r.cfg.CriticalBoost
			reasons = append(reasons, fmt.Sprintf("critical risk +%.2f", r.cfg.CriticalBoost))
		case policy.RiskHigh:
			score += r.cfg.HighBoost
			reasons = append(reasons, fmt.Sprintf("high risk +%.2f", r.cfg.HighBoost))
		}

		out = append(out, ScoredShard{
			Shard:      s,
			Similarity: sim,
			Score:      score,
			Reason:     strings.Join(reasons, "; "),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// inScope reports whether any of the shard's scope globs matches scope.
// Shards without scope globs apply everywhere.
func (r *Retriever) inScope(s policy.Shard, scope string) bool {
	if len(s.RepoScopes) == 0 {
		return true
	}
	for _, g := range s.RepoScopes {
		if r.globs.Match(g, scope) {
			return true
		}
	}
	return false
}

// selectShards fills up to maxShards from candidates in score order. A
// candidate that contradicts a higher-priority candidate in a shared domain
// is dropped whatever its rank, and does not consume a slot.
func selectShards(candidates []ScoredShard, maxShards int) ([]ScoredShard, int) {
	dropped := outranked(candidates)
	selected := make([]ScoredShard, 0, maxShards)
	rejected := 0

	for i, cand := range candidates {
		if len(selected) >= maxShards {
			break
		}
		if dropped[i] {
			rejected++
			logging.RetrievalDebug("Dropped shard %s (priority %d): contradicts higher-priority rule", cand.Shard.ID, cand.Shard.Priority)
			continue
		}
		selected = append(selected, cand)
	}
	return selected, rejected
}

// outranked walks candidates from highest priority down and marks every
// candidate contradicted by a surviving higher-priority one in a shared
// domain. Only survivors can drop others, so a rule whose rival was itself
// dropped is kept.
func outranked(candidates []ScoredShard) map[int]bool {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Shard.Priority > candidates[order[b]].Shard.Priority
	})

	dropped := make(map[int]bool)
	kept := make([]int, 0, len(candidates))
	for _, i := range order {
		cand := candidates[i].Shard
		for _, k := range kept {
			rival := candidates[k].Shard
			if rival.Priority <= cand.Priority {
				continue
			}
			if len(sharedDomains(rival.Domains, cand.Domains)) > 0 && Contradicts(rival.Text, cand.Text) {
				dropped[i] = true
				break
			}
		}
		if !dropped[i] {
			kept = append(kept, i)
		}
	}
	return dropped
}

// countContradictions counts contradicting pairs in the final selection.
func countContradictions(selected []ScoredShard) int {
	n := 0
	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			if Contradicts(selected[i].Shard.Text, selected[j].Shard.Text) {
				n++
			}
		}
	}
	return n
}

// assemblePolicy renders the constitution followed by the selected rules.
func assemblePolicy(c policy.Constitution, selected []ScoredShard) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(c.Text, "\n"))
	if len(selected) == 0 {
		return b.String()
	}
	b.WriteString("\n\n## Applicable Rules\n")
	for _, s := range selected {
		fmt.Fprintf(&b, "\n- [%s] %s", s.Shard.Risk, s.Shard.Text)
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
