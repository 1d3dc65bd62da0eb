// Package logging provides config-driven categorized logging for the guidance core.
// Every subsystem logs through a Category so operators can silence noisy
// areas (e.g. embedding) while keeping others (threat, quorum) on.
// Output is produced by zap; until Initialize is called all loggers are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryPolicy    Category = "policy"    // Bundle loading and watching
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryRetrieval Category = "retrieval" // Shard scoring and selection
	CategoryIntent    Category = "intent"    // Task intent classification
	CategoryThreat    Category = "threat"    // Threat signal detection
	CategoryCollusion Category = "collusion" // Interaction graph analysis
	CategoryQuorum    Category = "quorum"    // Proposal voting
	CategoryStore     Category = "store"     // Audit ledger
)

// AllCategories lists every known category in display order.
var AllCategories = []Category{
	CategoryBoot, CategoryPolicy, CategoryEmbedding, CategoryRetrieval,
	CategoryIntent, CategoryThreat, CategoryCollusion, CategoryQuorum, CategoryStore,
}

// Config controls the logging backend.
type Config struct {
	Level      string          `yaml:"level" json:"level"`   // debug, info, warn, error
	Format     string          `yaml:"format" json:"format"` // json, console
	File       string          `yaml:"file" json:"file"`     // empty = stderr
	Categories map[string]bool `yaml:"categories" json:"categories"`
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	base      *zap.Logger
	logFile   *os.File // owned by base when logging to a file
	config    Config
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize builds the zap backend from cfg. Calling it again replaces the
// backend and drops cached category loggers.
func Initialize(cfg Config) error {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console", "text":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format: %s (use 'json' or 'console')", cfg.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	var f *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	level.SetLevel(lvl)
	core := zapcore.NewCore(encoder, sink, level)

	configMu.Lock()
	config = cfg
	configMu.Unlock()

	swapBackend(zap.New(core), f)
	return nil
}

// SetBackend installs an already-built zap logger (tests use zaptest/observer).
func SetBackend(l *zap.Logger) error {
	if l == nil {
		return fmt.Errorf("nil zap logger")
	}
	swapBackend(l, nil)
	return nil
}

// swapBackend installs l and f, then flushes the previous backend and closes
// the file it wrote to.
func swapBackend(l *zap.Logger, f *os.File) {
	loggersMu.Lock()
	old, oldFile := base, logFile
	base, logFile = l, f
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	if old != nil {
		_ = old.Sync()
	}
	if oldFile != nil {
		_ = oldFile.Close()
	}
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", name)
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories absent from the filter map are enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the backend is not initialized or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	b := base
	loggersMu.RUnlock()

	if b == nil {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    b.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a message with key-value fields attached.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch lvl {
	case "debug":
		l.sugar.Debugw(msg, kv...)
	case "warn":
		l.sugar.Warnw(msg, kv...)
	case "error":
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// Sync flushes the backend.
func Sync() error {
	loggersMu.RLock()
	b := base
	loggersMu.RUnlock()
	if b == nil {
		return nil
	}
	return b.Sync()
}

// CloseAll flushes and detaches the backend; subsequent calls are no-ops.
func CloseAll() {
	loggersMu.Lock()
	b, f := base, logFile
	base, logFile = nil, nil
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	configMu.Lock()
	config = Config{}
	configMu.Unlock()

	if b != nil {
		_ = b.Sync()
	}
	if f != nil {
		_ = f.Close()
	}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

func Policy(format string, args ...interface{}) {
	Get(CategoryPolicy).Info(format, args...)
}

func PolicyDebug(format string, args ...interface{}) {
	Get(CategoryPolicy).Debug(format, args...)
}

func PolicyWarn(format string, args ...interface{}) {
	Get(CategoryPolicy).Warn(format, args...)
}

func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

func Retrieval(format string, args ...interface{}) {
	Get(CategoryRetrieval).Info(format, args...)
}

func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}

func IntentDebug(format string, args ...interface{}) {
	Get(CategoryIntent).Debug(format, args...)
}

func Threat(format string, args ...interface{}) {
	Get(CategoryThreat).Info(format, args...)
}

func ThreatDebug(format string, args ...interface{}) {
	Get(CategoryThreat).Debug(format, args...)
}

func ThreatWarn(format string, args ...interface{}) {
	Get(CategoryThreat).Warn(format, args...)
}

func Collusion(format string, args ...interface{}) {
	Get(CategoryCollusion).Info(format, args...)
}

func CollusionDebug(format string, args ...interface{}) {
	Get(CategoryCollusion).Debug(format, args...)
}

func Quorum(format string, args ...interface{}) {
	Get(CategoryQuorum).Info(format, args...)
}

func QuorumDebug(format string, args ...interface{}) {
	Get(CategoryQuorum).Debug(format, args...)
}

func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
