package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"guidance/internal/store"
)

var auditLimit int

// auditCmd reads the SQLite audit ledger
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit ledger of signals, quorum results and collusion reports",
	Long: `Reads the ledger at store.database_path (or $GUIDANCE_DB). The ledger is
written by scan, quorum and collusion when store.enabled is true.`,
}

var auditSignalsCmd = &cobra.Command{
	Use:   "signals [agent]",
	Short: "List threat signals recorded for an agent, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditSignals,
}

var auditQuorumCmd = &cobra.Command{
	Use:   "quorum",
	Short: "List resolved proposals, newest first",
	RunE:  runAuditQuorum,
}

var auditCollusionCmd = &cobra.Command{
	Use:   "collusion",
	Short: "List recorded collusion patterns, newest first",
	RunE:  runAuditCollusion,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger row counts",
	RunE:  runAuditStats,
}

func init() {
	auditCmd.PersistentFlags().IntVarP(&auditLimit, "limit", "n", 20, "Maximum rows (0 for all)")
	auditCmd.AddCommand(auditSignalsCmd)
	auditCmd.AddCommand(auditQuorumCmd)
	auditCmd.AddCommand(auditCollusionCmd)
	auditCmd.AddCommand(auditStatsCmd)
}

func openLedger() (*store.Ledger, error) {
	return store.Open(cfg.Store.DatabasePath)
}

func runAuditSignals(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	signals, err := l.SignalsForAgent(args[0], auditLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, signals)
	}

	lines := []string{field("agent", args[0]), field("signals", len(signals))}
	for _, s := range signals {
		lines = append(lines, fmt.Sprintf("%s %s %-21s %s",
			labelStyle.Render(s.Timestamp.Format(time.RFC3339)),
			severityStyle(s.Severity).Render(fmt.Sprintf("%.2f", s.Severity)),
			s.Category, s.Description))
	}
	renderBlock(out, "Audit: signals", lines)
	return nil
}

func runAuditQuorum(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	proposals, err := l.QuorumResults(auditLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, proposals)
	}

	lines := []string{field("results", len(proposals))}
	for _, p := range proposals {
		verdict := alertStyle.Render("rejected")
		if p.Result != nil && p.Result.Approved {
			verdict = okStyle.Render("approved")
		}
		ratio := 0.0
		if p.Result != nil {
			ratio = p.Result.Ratio
		}
		lines = append(lines, fmt.Sprintf("%s %s %-24s by %s (%.3f)",
			labelStyle.Render(p.CreatedAt.Format(time.RFC3339)), verdict, p.Key, p.ProposerID, ratio))
	}
	renderBlock(out, "Audit: quorum", lines)
	return nil
}

func runAuditCollusion(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	records, err := l.CollusionPatterns(auditLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, records)
	}

	lines := []string{field("patterns", len(records))}
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s %s %-18s %s",
			labelStyle.Render(r.AnalyzedAt.Format(time.RFC3339)),
			severityStyle(r.Confidence).Render(fmt.Sprintf("%.2f", r.Confidence)),
			r.Type, r.Evidence))
	}
	renderBlock(out, "Audit: collusion", lines)
	return nil
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	st, err := l.Stats()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, st)
	}
	renderBlock(out, "Audit: stats", []string{
		field("path", l.Path()),
		field("signals", st.Signals),
		field("quorum results", st.QuorumResults),
		field("collusion patterns", st.CollusionPatterns),
	})
	return nil
}
