package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guidance/internal/collusion"
	"guidance/internal/config"
	"guidance/internal/embedding"
	"guidance/internal/intent"
	"guidance/internal/policy"
	"guidance/internal/quorum"
	"guidance/internal/retrieval"
	"guidance/internal/store"
	"guidance/internal/threat"
)

// runtime wires the core components for one CLI invocation. The ledger is
// attached as a sink to every detector when the store is enabled.
type runtime struct {
	cfg       *config.Config
	threats   *threat.Detector
	collusion *collusion.Detector
	quorum    *quorum.Quorum
	ledger    *store.Ledger
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	rt := &runtime{
		cfg:       cfg,
		threats:   threat.NewDetector(cfg.ThreatDetectorConfig()),
		collusion: collusion.NewDetector(cfg.CollusionDetectorConfig()),
		quorum:    quorum.New(cfg.Quorum),
	}

	if cfg.Store.Enabled {
		l, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit ledger: %w", err)
		}
		rt.ledger = l
		rt.threats.SetSink(l)
		rt.quorum.SetSink(l)
		logger.Debug("Audit ledger attached", zap.String("path", l.Path()))
	}
	return rt, nil
}

// Close releases the ledger, if any.
func (rt *runtime) Close() error {
	if rt.ledger == nil {
		return nil
	}
	return rt.ledger.Close()
}

// recordCollusion persists a report when the ledger is attached.
func (rt *runtime) recordCollusion(r collusion.Report) {
	if rt.ledger == nil {
		return
	}
	id, err := rt.ledger.RecordCollusion(r)
	if err != nil {
		logger.Warn("Failed to record collusion report", zap.Error(err))
		return
	}
	if id != "" {
		logger.Debug("Collusion report recorded", zap.String("report_id", id))
	}
}

// newRetriever builds the configured embedding engine and a retriever with
// the bundle at path loaded and indexed.
func newRetriever(ctx context.Context, cfg *config.Config, path string) (*retrieval.Retriever, error) {
	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	bundle, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}

	r := retrieval.NewRetriever(engine, intent.MustNewClassifier(nil), cfg.Retrieval)
	if err := r.LoadBundle(bundle); err != nil {
		return nil, err
	}
	if err := r.Index(ctx); err != nil {
		return nil, fmt.Errorf("failed to index bundle: %w", err)
	}

	logger.Debug("Retriever ready",
		zap.String("engine", engine.Name()),
		zap.Int("shards", len(bundle.Shards)),
		zap.String("bundle", path))
	return r, nil
}

// commandContext bounds a command by the --timeout flag.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
