package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guidance/internal/embedding"
	"guidance/internal/intent"
	"guidance/internal/policy"
	"guidance/internal/retrieval"
)

var (
	retrieveIntent    string
	retrieveRisks     []string
	retrieveScope     string
	retrieveMaxShards int
	retrieveTextOnly  bool
)

// retrieveCmd assembles the policy for a task
var retrieveCmd = &cobra.Command{
	Use:   "retrieve [task]",
	Short: "Retrieve the constitution and applicable policy shards for a task",
	Long: `Embeds the task, classifies its intent (unless --intent is given) and ranks
every shard in the bundle that passes the risk and scope filters.

Example:
  guidance retrieve "rotate the signing key for the payments service"
  guidance retrieve --risk critical,high --scope services/payments/** "add retry"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRetrieve,
}

// classifyCmd prints the intent of a task
var classifyCmd = &cobra.Command{
	Use:   "classify [task]",
	Short: "Classify a task description into an intent",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

// similarCmd ranks shards by raw embedding similarity, without filters or boosts
var similarCmd = &cobra.Command{
	Use:   "similar [text]",
	Short: "Rank bundle shards by embedding similarity to a text",
	Long: `Diagnostic view of the embedding space: no risk, scope or intent handling,
just cosine similarity between the text and every shard.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSimilar,
}

var similarK int

func init() {
	similarCmd.Flags().IntVarP(&similarK, "top", "k", 5, "Number of shards to show")
	retrieveCmd.Flags().StringVar(&retrieveIntent, "intent", "", "Skip classification and use this intent")
	retrieveCmd.Flags().StringSliceVar(&retrieveRisks, "risk", nil, "Risk classes to admit (default: all)")
	retrieveCmd.Flags().StringVar(&retrieveScope, "scope", "", "Repository path the task touches")
	retrieveCmd.Flags().IntVarP(&retrieveMaxShards, "max", "n", 0, "Maximum shards (default: retrieval.default_max_shards)")
	retrieveCmd.Flags().BoolVar(&retrieveTextOnly, "text", false, "Print only the assembled policy text")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	req := retrieval.Request{
		Task:      joinArgs(args),
		Intent:    intent.Intent(retrieveIntent),
		RepoScope: retrieveScope,
		MaxShards: retrieveMaxShards,
	}
	for _, r := range retrieveRisks {
		risk := policy.RiskClass(strings.ToLower(strings.TrimSpace(r)))
		if !risk.Valid() {
			return fmt.Errorf("unknown risk class %q", r)
		}
		req.RiskFilter = append(req.RiskFilter, risk)
	}

	r, err := newRetriever(ctx, cfg, cfg.Policy.BundlePath)
	if err != nil {
		return err
	}
	result, err := r.Retrieve(ctx, req)
	if err != nil {
		return err
	}
	logger.Info("Retrieved policy",
		zap.String("intent", string(result.Intent)),
		zap.Int("shards", len(result.Shards)),
		zap.Duration("latency", result.Latency))

	out := cmd.OutOrStdout()
	switch {
	case jsonOutput:
		return writeJSON(out, result)
	case retrieveTextOnly:
		fmt.Fprintln(out, result.PolicyText)
		return nil
	}

	lines := []string{
		field("intent", fmt.Sprintf("%s (%.2f)", result.Intent, result.IntentConfidence)),
		field("bundle", shortID(result.BundleVersion)),
		field("constitution", shortID(result.Constitution.Hash)),
		field("contradictions", result.ContradictionsResolved),
		field("rejected", result.Rejected),
	}
	if len(result.Shards) == 0 {
		lines = append(lines, labelStyle.Render("no shards matched; constitution only"))
	}
	for i, s := range result.Shards {
		lines = append(lines, fmt.Sprintf("%d. %-24s %s %s %s",
			i+1, s.Shard.ID,
			severityStyle(s.Score-1).Render(fmt.Sprintf("%.3f", s.Score)),
			labelStyle.Render(string(s.Shard.Risk)),
			s.Reason))
	}
	renderBlock(out, "Retrieval", lines)
	fmt.Fprint(out, renderMarkdown(result.PolicyText))
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	res := intent.MustNewClassifier(nil).Classify(joinArgs(args))

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "%s %s\n", res.Intent, labelStyle.Render(fmt.Sprintf("(confidence %.2f)", res.Confidence)))
	return nil
}

func runSimilar(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return err
	}
	bundle, err := policy.LoadFile(cfg.Policy.BundlePath)
	if err != nil {
		return err
	}

	texts := make([]string, len(bundle.Shards))
	for i, s := range bundle.Shards {
		texts[i] = s.Text
	}
	corpus, err := engine.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed shards: %w", err)
	}
	query, err := engine.Embed(ctx, joinArgs(args))
	if err != nil {
		return fmt.Errorf("failed to embed text: %w", err)
	}

	top := embedding.FindTopK(query, corpus, similarK)

	out := cmd.OutOrStdout()
	if jsonOutput {
		type hit struct {
			ID         string  `json:"id"`
			Similarity float64 `json:"similarity"`
		}
		hits := make([]hit, len(top))
		for i, r := range top {
			hits[i] = hit{ID: bundle.Shards[r.Index].ID, Similarity: r.Similarity}
		}
		return writeJSON(out, hits)
	}

	lines := []string{field("engine", engine.Name())}
	for i, r := range top {
		lines = append(lines, fmt.Sprintf("%d. %-24s %.4f", i+1, bundle.Shards[r.Index].ID, r.Similarity))
	}
	renderBlock(out, "Similarity", lines)
	return nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

func shortID(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
