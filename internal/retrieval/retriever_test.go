package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance/internal/embedding"
	"guidance/internal/intent"
	"guidance/internal/policy"
)

// keywordEngine embeds text as keyword counts over a fixed vocabulary, so
// similarities in these tests are easy to reason about.
type keywordEngine struct {
	vocab      []string
	batchCalls atomic.Int32
	failEmbed  error
}

func newKeywordEngine() *keywordEngine {
	return &keywordEngine{vocab: []string{"encrypt", "token", "log", "test", "deploy", "secret"}}
}

func (e *keywordEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if e.failEmbed != nil {
		return nil, e.failEmbed
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		vec[i] = float32(strings.Count(lower, w))
	}
	return vec, nil
}

func (e *keywordEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batchCalls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEngine) Dimensions() int { return len(e.vocab) }
func (e *keywordEngine) Name() string    { return "keyword" }

var _ embedding.EmbeddingEngine = (*keywordEngine)(nil)

const constitution = "# Constitution\nAgents act within their granted scope."

func testBundle() *policy.Bundle {
	return policy.NewBundle(constitution, []policy.Shard{
		{ID: "enc", Text: "Tokens must encrypt at rest", Risk: policy.RiskCritical, Priority: 10, Domains: []string{"auth"}, Intents: []string{"security"}},
		{ID: "noenc", Text: "Never encrypt debug tokens", Risk: policy.RiskLow, Priority: 5, Domains: []string{"auth"}},
		{ID: "logs", Text: "Log every token refresh", Risk: policy.RiskMedium, Priority: 3, Domains: []string{"observability"}},
		{ID: "tests", Text: "Add a test for each fix", Risk: policy.RiskLow, Priority: 2, Intents: []string{"bug-fix"}},
		{ID: "deploy", Text: "Always deploy through the pipeline", Risk: policy.RiskHigh, Priority: 4, RepoScopes: []string{"services/**"}},
		{ID: "secret", Text: "Never log a secret", Risk: policy.RiskHigh, Priority: 8, Domains: []string{"observability"}, RepoScopes: []string{"services/*/api"}},
	})
}

func newTestRetriever(t *testing.T) (*Retriever, *keywordEngine) {
	t.Helper()
	eng := newKeywordEngine()
	r := NewRetriever(eng, nil, DefaultConfig())
	require.NoError(t, r.LoadBundle(testBundle()))
	return r, eng
}

func shardIDs(res *Result) []string {
	ids := make([]string, len(res.Shards))
	for i, s := range res.Shards {
		ids[i] = s.Shard.ID
	}
	return ids
}

func TestRetrieve_BeforeLoadFailsClosed(t *testing.T) {
	r := NewRetriever(newKeywordEngine(), nil, DefaultConfig())

	res, err := r.Retrieve(context.Background(), Request{Task: "anything"})
	assert.ErrorIs(t, err, ErrNoBundle)
	assert.Nil(t, res)
	assert.ErrorIs(t, r.Index(context.Background()), ErrNoBundle)
}

func TestLoadBundle_RejectsInvalid(t *testing.T) {
	r := NewRetriever(newKeywordEngine(), nil, DefaultConfig())
	assert.ErrorIs(t, r.LoadBundle(nil), ErrNoBundle)
	err := r.LoadBundle(policy.NewBundle("  ", nil))
	assert.ErrorIs(t, err, policy.ErrEmptyConstitution)
}

func TestRetrieve_PriorityWinsContradiction(t *testing.T) {
	r, _ := newTestRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Task: "encrypt the session token", MaxShards: 2})
	require.NoError(t, err)

	ids := shardIDs(res)
	assert.Equal(t, []string{"enc", "logs"}, ids)
	assert.NotContains(t, ids, "noenc")
	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.ContradictionsResolved)
}

func TestRetrieve_HigherPriorityWinsInEitherScoreOrder(t *testing.T) {
	tests := []struct {
		name           string
		hiRisk, loRisk policy.RiskClass
		maxShards      int
	}{
		{"higher priority outscores", policy.RiskCritical, policy.RiskLow, 5},
		{"lower priority outscores", policy.RiskLow, policy.RiskCritical, 5},
		{"lower priority outscores with one slot", policy.RiskLow, policy.RiskCritical, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetriever(newKeywordEngine(), nil, Config{DefaultMaxShards: 5})
			require.NoError(t, r.LoadBundle(policy.NewBundle(constitution, []policy.Shard{
				{ID: "hi", Text: "must encrypt", Risk: tt.hiRisk, Priority: 10, Domains: []string{"auth"}},
				{ID: "lo", Text: "never encrypt", Risk: tt.loRisk, Priority: 5, Domains: []string{"auth"}},
			})))

			res, err := r.Retrieve(context.Background(), Request{Task: "encrypt", MaxShards: tt.maxShards})
			require.NoError(t, err)
			assert.Equal(t, []string{"hi"}, shardIDs(res))
			assert.Equal(t, 1, res.Rejected)
			assert.Zero(t, res.ContradictionsResolved)
		})
	}
}

func TestRetrieve_DroppedRuleCannotDropOthers(t *testing.T) {
	r := NewRetriever(newKeywordEngine(), nil, Config{DefaultMaxShards: 5})
	require.NoError(t, r.LoadBundle(policy.NewBundle(constitution, []policy.Shard{
		{ID: "top", Text: "You must encrypt", Risk: policy.RiskLow, Priority: 10, Domains: []string{"auth"}},
		{ID: "mid", Text: "Never encrypt a debug token", Risk: policy.RiskLow, Priority: 5, Domains: []string{"auth", "debug"}},
		{ID: "low", Text: "Always encrypt a debug token", Risk: policy.RiskLow, Priority: 1, Domains: []string{"debug"}},
	})))

	res, err := r.Retrieve(context.Background(), Request{Task: "debug token encrypt"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"top", "low"}, shardIDs(res))
	assert.Equal(t, 1, res.Rejected)
}

func TestRetrieve_EqualPriorityKeepsBoth(t *testing.T) {
	r := NewRetriever(newKeywordEngine(), nil, Config{DefaultMaxShards: 5})
	require.NoError(t, r.LoadBundle(policy.NewBundle(constitution, []policy.Shard{
		{ID: "a", Text: "must encrypt", Risk: policy.RiskLow, Priority: 5, Domains: []string{"auth"}},
		{ID: "b", Text: "never encrypt", Risk: policy.RiskLow, Priority: 5, Domains: []string{"auth"}},
	})))

	res, err := r.Retrieve(context.Background(), Request{Task: "encrypt"})
	require.NoError(t, err)
	assert.Len(t, res.Shards, 2)
	assert.Equal(t, 1, res.ContradictionsResolved)
	assert.Zero(t, res.Rejected)
}

func TestRetrieve_RiskFilterIsHard(t *testing.T) {
	r, _ := newTestRetriever(t)

	filter := []policy.RiskClass{policy.RiskHigh, policy.RiskCritical}
	res, err := r.Retrieve(context.Background(), Request{Task: "encrypt token log", RiskFilter: filter})
	require.NoError(t, err)
	require.NotEmpty(t, res.Shards)
	for _, s := range res.Shards {
		assert.Contains(t, filter, s.Shard.Risk, "shard %s", s.Shard.ID)
	}
}

func TestRetrieve_RepoScope(t *testing.T) {
	r, _ := newTestRetriever(t)
	ctx := context.Background()

	res, err := r.Retrieve(ctx, Request{Task: "deploy", RepoScope: "services/billing/api", MaxShards: 10})
	require.NoError(t, err)
	assert.Contains(t, shardIDs(res), "deploy")
	assert.Contains(t, shardIDs(res), "secret")

	res, err = r.Retrieve(ctx, Request{Task: "deploy", RepoScope: "services/billing/worker", MaxShards: 10})
	require.NoError(t, err)
	assert.Contains(t, shardIDs(res), "deploy")
	assert.NotContains(t, shardIDs(res), "secret")

	res, err = r.Retrieve(ctx, Request{Task: "deploy", RepoScope: "web/frontend", MaxShards: 10})
	require.NoError(t, err)
	assert.NotContains(t, shardIDs(res), "deploy")
	assert.NotContains(t, shardIDs(res), "secret")
	// Unscoped shards apply everywhere.
	assert.Contains(t, shardIDs(res), "enc")
}

func TestRetrieve_MaxShards(t *testing.T) {
	r, _ := newTestRetriever(t)
	ctx := context.Background()

	for _, n := range []int{1, 2, 3} {
		res, err := r.Retrieve(ctx, Request{Task: "token log test deploy", MaxShards: n})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Shards), n)
	}

	res, err := r.Retrieve(ctx, Request{Task: "token"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Shards), DefaultConfig().DefaultMaxShards)
}

func TestRetrieve_ConstitutionAlwaysIncluded(t *testing.T) {
	r, _ := newTestRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{
		Task:       "anything",
		RiskFilter: []policy.RiskClass{policy.RiskHigh},
		RepoScope:  "nowhere",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Shards)
	assert.Equal(t, constitution, res.PolicyText)
	assert.Equal(t, policy.HashText(constitution), res.Constitution.Hash)
}

func TestRetrieve_PolicyTextListsSelectedShards(t *testing.T) {
	r, _ := newTestRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Task: "encrypt token", MaxShards: 1})
	require.NoError(t, err)
	require.Len(t, res.Shards, 1)

	want := constitution + "\n\n## Applicable Rules\n\n- [critical] Tokens must encrypt at rest"
	if diff := cmp.Diff(want, res.PolicyText); diff != "" {
		t.Errorf("policy text mismatch (-want +got):\n%s", diff)
	}
}

func TestRetrieve_Boosts(t *testing.T) {
	eng := newKeywordEngine()
	r := NewRetriever(eng, nil, DefaultConfig())
	require.NoError(t, r.LoadBundle(policy.NewBundle(constitution, []policy.Shard{
		{ID: "plain", Text: "token", Risk: policy.RiskLow, Priority: 1},
		{ID: "high", Text: "token", Risk: policy.RiskHigh, Priority: 1},
		{ID: "crit", Text: "token", Risk: policy.RiskCritical, Priority: 1},
		{ID: "intent", Text: "token", Risk: policy.RiskLow, Priority: 1, Intents: []string{"docs"}},
	})))

	res, err := r.Retrieve(context.Background(), Request{Task: "token", Intent: intent.Docs})
	require.NoError(t, err)
	require.Equal(t, []string{"intent", "crit", "high", "plain"}, shardIDs(res))

	scores := map[string]float64{}
	for _, s := range res.Shards {
		assert.InDelta(t, 1.0, s.Similarity, 1e-6)
		scores[s.Shard.ID] = s.Score
	}
	assert.InDelta(t, 1.15, scores["intent"], 1e-6)
	assert.InDelta(t, 1.10, scores["crit"], 1e-6)
	assert.InDelta(t, 1.05, scores["high"], 1e-6)
	assert.InDelta(t, 1.00, scores["plain"], 1e-6)
	assert.Contains(t, res.Shards[0].Reason, "intent docs")
	assert.Equal(t, intent.Docs, res.Intent)
	assert.Equal(t, 1.0, res.IntentConfidence)
}

func TestRetrieve_ClassifiesIntentWhenMissing(t *testing.T) {
	r, _ := newTestRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Task: "Fix the login crash bug and add a test"})
	require.NoError(t, err)
	assert.Equal(t, intent.BugFix, res.Intent)
	assert.Greater(t, res.IntentConfidence, 0.0)
	assert.Contains(t, shardIDs(res), "tests")
}

func TestIndex_IdempotentUntilReload(t *testing.T) {
	r, eng := newTestRetriever(t)
	ctx := context.Background()

	assert.False(t, r.Indexed())
	require.NoError(t, r.Index(ctx))
	require.NoError(t, r.Index(ctx))
	_, err := r.Retrieve(ctx, Request{Task: "token"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), eng.batchCalls.Load())
	assert.True(t, r.Indexed())

	require.NoError(t, r.LoadBundle(testBundle()))
	assert.False(t, r.Indexed())
	_, err = r.Retrieve(ctx, Request{Task: "token"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), eng.batchCalls.Load())
}

func TestRetrieve_EmbeddingErrorPropagates(t *testing.T) {
	r, eng := newTestRetriever(t)
	require.NoError(t, r.Index(context.Background()))

	boom := errors.New("provider down")
	eng.failEmbed = boom
	_, err := r.Retrieve(context.Background(), Request{Task: "token"})
	assert.ErrorIs(t, err, boom)
}

func TestRetrieve_WithHashEngine(t *testing.T) {
	r := NewRetriever(embedding.NewHashEngine(128), nil, DefaultConfig())
	require.NoError(t, r.LoadBundle(testBundle()))

	res, err := r.Retrieve(context.Background(), Request{Task: "encrypt tokens at rest"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Shards)
	assert.Equal(t, "enc", res.Shards[0].Shard.ID)
	assert.Equal(t, testBundle().Version(), res.BundleVersion)
}

func TestContradicts(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"must encrypt", "never encrypt", true},
		{"Always use TLS", "Do not use TLS for loopback", true},
		{"requires review", "avoid review for typos", true},
		{"Forbidden to push", "Pushes are required", true},
		{"must encrypt", "must sign", false},
		{"never log", "avoid printing", false},
		{"prefer small diffs", "keep functions short", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Contradicts(tt.a, tt.b))
			assert.Equal(t, tt.want, Contradicts(tt.b, tt.a))
		})
	}
}

func TestGlobCache(t *testing.T) {
	c := newGlobCache()
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"services/*", "services/api", true},
		{"services/*", "services/api/v1", false},
		{"services/**", "services/api/v1", true},
		{"**/api", "services/billing/api", true},
		{"**/api", "api", true},
		{"services/**/api", "services/api", true},
		{"services/**/api", "services/a/b/api", true},
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"a+b(c)", "a+b(c)", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Match(tt.pattern, tt.path))
		})
	}

	c.Match("services/*", "x")
	assert.Equal(t, 7, c.Len())
}
