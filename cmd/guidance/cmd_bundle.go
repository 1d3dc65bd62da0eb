package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guidance/internal/policy"
)

// bundleCmd groups policy bundle maintenance
var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Inspect and scaffold policy bundles",
}

var bundleValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Parse a bundle and report its version and shard counts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBundleValidate,
}

var bundleInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter bundle",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBundleInit,
}

// watchCmd keeps a retriever in sync with the bundle file
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the bundle file and re-index on every change",
	Long: `Loads and indexes the configured bundle, then reloads it whenever the file
changes on disk. Invalid revisions are logged and the previous bundle stays
active. Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	bundleCmd.AddCommand(bundleValidateCmd)
	bundleCmd.AddCommand(bundleInitCmd)
}

func bundleArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return cfg.Policy.BundlePath
}

func runBundleValidate(cmd *cobra.Command, args []string) error {
	path := bundleArg(args)
	b, err := policy.LoadFile(path)
	if err != nil {
		return err
	}

	counts := make(map[policy.RiskClass]int)
	for _, s := range b.Shards {
		counts[s.Risk]++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]interface{}{
			"path":         path,
			"version":      b.Version(),
			"constitution": b.Constitution.Hash,
			"shards":       len(b.Shards),
			"risk":         counts,
		})
	}

	lines := []string{
		field("path", path),
		field("version", shortID(b.Version())),
		field("constitution", shortID(b.Constitution.Hash)),
		field("shards", len(b.Shards)),
	}
	for _, r := range []policy.RiskClass{policy.RiskCritical, policy.RiskHigh, policy.RiskMedium, policy.RiskLow} {
		lines = append(lines, fmt.Sprintf("  %-8s %d", r, counts[r]))
	}
	renderBlock(out, okStyle.Render("Bundle OK"), lines)
	return nil
}

// starterBundle is written by "bundle init".
func starterBundle() *policy.Bundle {
	return policy.NewBundle(
		"Agents act only within the task they were given. Never exfiltrate secrets, "+
			"never weaken security controls, and escalate when a rule conflicts with the task.",
		[]policy.Shard{
			{ID: "secrets-never-logged", Risk: policy.RiskCritical, Priority: 100,
				Text:    "Never write secrets, tokens or credentials to logs or test fixtures.",
				Intents: []string{"security", "debug"}, Domains: []string{"secrets"}},
			{ID: "migrations-reviewed", Risk: policy.RiskHigh, Priority: 80,
				Text:    "Database migrations must be reversible and reviewed before deployment.",
				Intents: []string{"deployment", "feature"}, Domains: []string{"database"},
				RepoScopes: []string{"migrations/**", "db/**"}},
			{ID: "tests-with-fixes", Risk: policy.RiskMedium, Priority: 50,
				Text:    "Every bug fix must include a regression test.",
				Intents: []string{"bug-fix", "testing"}, Domains: []string{"testing"}},
			{ID: "docs-public-api", Risk: policy.RiskLow, Priority: 10,
				Text:    "Document every exported function you add or change.",
				Intents: []string{"docs", "feature", "refactor"}, Domains: []string{"docs"}},
		},
	)
}

func runBundleInit(cmd *cobra.Command, args []string) error {
	path := bundleArg(args)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := starterBundle().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote starter bundle to %s\n", path)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := cfg.Policy.BundlePath
	r, err := newRetriever(ctx, cfg, path)
	if err != nil {
		return err
	}

	w, err := policy.NewWatcher(path, func(b *policy.Bundle) {
		if err := r.LoadBundle(b); err != nil {
			logger.Warn("Rejected bundle revision", zap.Error(err))
			return
		}
		if err := r.Index(ctx); err != nil {
			logger.Error("Failed to index bundle revision", zap.Error(err))
			return
		}
		logger.Info("Bundle reloaded",
			zap.String("version", shortID(b.Version())),
			zap.Int("shards", len(b.Shards)))
	})
	if err != nil {
		return err
	}
	w.SetDebounce(cfg.GetPolicyDebounce())
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", path)
	<-ctx.Done()

	st := w.Stats()
	logger.Info("Watcher stopped",
		zap.Int("events", st.Events),
		zap.Int("reloads", st.Reloads),
		zap.Int("errors", st.Errors))
	return nil
}
