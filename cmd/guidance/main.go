package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"guidance/internal/config"
	"guidance/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	bundlePath string
	jsonOutput bool
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "guidance",
	Short: "guidance - policy retrieval and adversarial safety core",
	Long: `guidance retrieves the policy rules that apply to an agent task and
screens agent traffic for adversarial behavior.

Retrieval always returns the constitution, then the highest-ranked policy
shards for the task's intent, risk class and repository scope.

The safety commands detect prompt injection and privilege escalation in
inputs, flag collusion in agent interaction logs, and tally quorum votes
on critical memory writes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if bundlePath != "" {
			cfg.Policy.BundlePath = bundlePath
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		// Initialize logger
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(cfg.Logging); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		_ = logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the guidance version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".guidance/config.yaml", "Config file")
	rootCmd.PersistentFlags().StringVarP(&bundlePath, "bundle", "b", "", "Policy bundle (overrides policy.bundle_path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of rendered text")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(collusionCmd)
	rootCmd.AddCommand(quorumCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
