// Package threat scans agent output and memory writes for adversarial
// behaviour and keeps a bounded, decaying history of the resulting signals.
// Detection is advisory: no method returns an error, and an absence of
// evidence is an empty result.
package threat

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"guidance/internal/logging"
)

// Signal is one detected instance of a threat pattern or anomaly.
type Signal struct {
	ID          string            `json:"id"`
	Category    Category          `json:"category"`
	AgentID     string            `json:"agent_id"`
	Description string            `json:"description"`
	Evidence    []string          `json:"evidence,omitempty"`
	Severity    float64           `json:"severity"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink receives every emitted signal, e.g. an audit ledger.
type Sink interface {
	RecordSignal(Signal) error
}

// Config bounds history and write-rate tracking.
type Config struct {
	MaxHistory     int           `yaml:"max_history" json:"max_history"`
	WriteRateLimit int           `yaml:"write_rate_limit" json:"write_rate_limit"` // writes per RateWindow
	RateWindow     time.Duration `yaml:"rate_window" json:"rate_window"`
	DecayWindow    time.Duration `yaml:"decay_window" json:"decay_window"`
}

// DefaultConfig returns a 10k history, 10 writes/minute and one-hour decay.
func DefaultConfig() Config {
	return Config{
		MaxHistory:     10000,
		WriteRateLimit: 10,
		RateWindow:     time.Minute,
		DecayWindow:    time.Hour,
	}
}

const (
	rateLimitSeverity = 0.7
	maxEvidence       = 3
)

type compiledPattern struct {
	def PatternDef
	re  *regexp.Regexp // nil for heuristic-only rows
}

// Detector holds the compiled tables, per-agent write windows and signal history.
type Detector struct {
	cfg      Config
	input    []compiledPattern
	memory   []compiledPattern
	now      func() time.Time
	sink     Sink
	mu       sync.Mutex
	history  []Signal
	writes   map[string][]time.Time // agent -> write timestamps within RateWindow
	detected int
}

// NewDetector compiles the default tables.
func NewDetector(cfg Config) *Detector {
	d, err := NewDetectorWithPatterns(cfg, DefaultPatterns, MemoryPatterns)
	if err != nil {
		// Built-in tables are static.
		panic(err)
	}
	return d
}

// NewDetectorWithPatterns compiles custom input and memory-write tables.
func NewDetectorWithPatterns(cfg Config, input, memory []PatternDef) (*Detector, error) {
	def := DefaultConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.WriteRateLimit <= 0 {
		cfg.WriteRateLimit = def.WriteRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.DecayWindow <= 0 {
		cfg.DecayWindow = def.DecayWindow
	}

	in, err := compile(input)
	if err != nil {
		return nil, err
	}
	mem, err := compile(memory)
	if err != nil {
		return nil, err
	}
	return &Detector{
		cfg:     cfg,
		input:   in,
		memory:  mem,
		now:     time.Now,
		history: make([]Signal, 0, 64),
		writes:  make(map[string][]time.Time),
	}, nil
}

func compile(defs []PatternDef) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(defs))
	for _, d := range defs {
		cp := compiledPattern{def: d}
		if d.Pattern != "" {
			re, err := regexp.Compile("(?i)" + d.Pattern)
			if err != nil {
				return nil, fmt.Errorf("pattern %s/%s: %w", d.Category, d.Name, err)
			}
			cp.re = re
		} else if d.Heuristic == nil {
			return nil, fmt.Errorf("pattern %s/%s: neither pattern nor heuristic", d.Category, d.Name)
		}
		out = append(out, cp)
	}
	return out, nil
}

// SetClock replaces the time source.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// SetSink attaches a signal sink; nil detaches.
func (d *Detector) SetSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = s
}

// AnalyzeInput evaluates every table row independently against text. One
// input may emit several signals across categories.
func (d *Detector) AnalyzeInput(text string, ctx Context) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var out []Signal
	for _, p := range d.input {
		evidence, ok := match(p, text, ctx)
		if !ok {
			continue
		}
		out = append(out, d.emitLocked(Signal{
			Category:    p.def.Category,
			AgentID:     ctx.AgentID,
			Description: fmt.Sprintf("%s pattern %q matched", p.def.Category, p.def.Name),
			Evidence:    evidence,
			Severity:    p.def.Severity,
			Timestamp:   now,
			Metadata:    mergeMetadata(ctx.Metadata, p.def.Name, ctx.Source),
		}))
	}

	if len(out) > 0 {
		logging.ThreatWarn("Agent %s: %d signal(s) from input", ctx.AgentID, len(out))
	}
	return out
}

// AnalyzeMemoryWrite records the write in the agent's rate window and scans
// key and value for poisoning patterns.
func (d *Detector) AnalyzeMemoryWrite(key, value, agentID string) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.cfg.RateWindow)

	window := d.writes[agentID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	d.writes[agentID] = kept

	var out []Signal
	if count := len(kept); count > d.cfg.WriteRateLimit {
		out = append(out, d.emitLocked(Signal{
			Category: MemoryPoisoning,
			AgentID:  agentID,
			Description: fmt.Sprintf("memory write rate exceeded: %d writes in %v (limit %d, over by %d)",
				count, d.cfg.RateWindow, d.cfg.WriteRateLimit, count-d.cfg.WriteRateLimit),
			Evidence:  []string{"key=" + key},
			Severity:  rateLimitSeverity,
			Timestamp: now,
			Metadata:  map[string]string{"pattern": "write-rate", "key": key},
		}))
	}

	combined := key + " " + value
	for _, p := range d.memory {
		evidence, ok := match(p, combined, Context{AgentID: agentID})
		if !ok {
			continue
		}
		out = append(out, d.emitLocked(Signal{
			Category:    p.def.Category,
			AgentID:     agentID,
			Description: fmt.Sprintf("memory write to %q matched %q", key, p.def.Name),
			Evidence:    evidence,
			Severity:    p.def.Severity,
			Timestamp:   now,
			Metadata:    map[string]string{"pattern": p.def.Name, "key": key},
		}))
	}

	if len(out) > 0 {
		logging.ThreatWarn("Agent %s: %d signal(s) from memory write %q", agentID, len(out), key)
	}
	return out
}

func match(p compiledPattern, text string, ctx Context) ([]string, bool) {
	if p.re != nil {
		if hits := p.re.FindAllString(text, maxEvidence); len(hits) > 0 {
			return hits, true
		}
	}
	if p.def.Heuristic != nil && p.def.Heuristic(text, ctx) {
		return []string{"heuristic:" + p.def.Name}, true
	}
	return nil, false
}

func mergeMetadata(base map[string]string, pattern, source string) map[string]string {
	out := make(map[string]string, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["pattern"] = pattern
	if source != "" {
		out["source"] = source
	}
	return out
}

// emitLocked assigns an id, appends to history and forwards to the sink.
// Must be called with d.mu held.
func (d *Detector) emitLocked(s Signal) Signal {
	s.ID = uuid.New().String()
	d.history = append(d.history, s)
	d.detected++
	if len(d.history) > d.cfg.MaxHistory {
		d.trimLocked()
	}
	if d.sink != nil {
		if err := d.sink.RecordSignal(s); err != nil {
			logging.Get(logging.CategoryThreat).Error("Failed to record signal %s: %v", s.ID, err)
		}
	}
	logging.ThreatDebug("Signal %s: %s severity=%.2f agent=%s", s.ID, s.Category, s.Severity, s.AgentID)
	return s
}

// trimLocked drops the oldest tenth of capacity in one copy.
func (d *Detector) trimLocked() {
	keep := d.cfg.MaxHistory * 9 / 10
	trimmed := make([]Signal, keep, d.cfg.MaxHistory+1)
	copy(trimmed, d.history[len(d.history)-keep:])
	logging.ThreatDebug("History trimmed from %d to %d signals", len(d.history), keep)
	d.history = trimmed
}

// ThreatScore is the recency-weighted mean severity of the agent's signals.
// A signal's weight falls linearly from 1 to 0 over DecayWindow; the score is
// 0 when the agent has no signals or all of them have decayed.
func (d *Detector) ThreatScore(agentID string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var weighted, total float64
	for _, s := range d.history {
		if s.AgentID != agentID {
			continue
		}
		w := 1 - float64(now.Sub(s.Timestamp))/float64(d.cfg.DecayWindow)
		if w <= 0 {
			continue
		}
		if w > 1 {
			w = 1
		}
		weighted += w * s.Severity
		total += w
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// History returns a copy of the retained signals, oldest first.
func (d *Detector) History() []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Signal, len(d.history))
	copy(out, d.history)
	return out
}

// SignalsForAgent returns the retained signals for one agent, oldest first.
func (d *Detector) SignalsForAgent(agentID string) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Signal
	for _, s := range d.history {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out
}

// Stats reports how many signals were emitted in total and how many are retained.
func (d *Detector) Stats() (detected, retained int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected, len(d.history)
}

// Clear drops history and write windows.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = make([]Signal, 0, 64)
	d.writes = make(map[string][]time.Time)
	logging.Threat("Detector state cleared")
}
