// Package collusion detects coordination anomalies in agent-to-agent traffic:
// communication rings, abnormally chatty pairs and bursts of activity that
// span several agents.
package collusion

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"guidance/internal/logging"
)

// PatternType names a detector.
type PatternType string

const (
	RingTopology      PatternType = "ring-topology"
	UnusualFrequency  PatternType = "unusual-frequency"
	CoordinatedTiming PatternType = "coordinated-timing"
)

const (
	ringConfidence    = 0.8
	maxFreqConfidence = 0.9
	timingConfidence  = 0.7
)

// Interaction is one message from one agent to another.
type Interaction struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Pattern is one suspicious finding.
type Pattern struct {
	Type       PatternType `json:"type"`
	Agents     []string    `json:"agents"`
	Evidence   string      `json:"evidence"`
	Confidence float64     `json:"confidence"`
}

// Report combines the output of all detectors.
type Report struct {
	Detected     bool      `json:"detected"`
	Patterns     []Pattern `json:"patterns"`
	Interactions int       `json:"interactions"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}

// Config holds detector thresholds.
type Config struct {
	MaxInteractions       int           `yaml:"max_interactions" json:"max_interactions"`
	RingMinLength         int           `yaml:"ring_min_length" json:"ring_min_length"`
	MaxRingDepth          int           `yaml:"max_ring_depth" json:"max_ring_depth"`
	FrequencyThreshold    int           `yaml:"frequency_threshold" json:"frequency_threshold"`
	TimingWindow          time.Duration `yaml:"timing_window" json:"timing_window"`
	TimingMinInteractions int           `yaml:"timing_min_interactions" json:"timing_min_interactions"`
	TimingMinAgents       int           `yaml:"timing_min_agents" json:"timing_min_agents"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxInteractions:       10000,
		RingMinLength:         3,
		MaxRingDepth:          10,
		FrequencyThreshold:    10,
		TimingWindow:          5 * time.Second,
		TimingMinInteractions: 5,
		TimingMinAgents:       3,
	}
}

// ContentHash is the hex blake3 digest used to fingerprint message content
// without retaining it.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Detector retains the most recent interactions and analyses them on demand.
type Detector struct {
	cfg          Config
	now          func() time.Time
	mu           sync.Mutex
	interactions []Interaction
}

// NewDetector fills unset thresholds from DefaultConfig.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MaxInteractions <= 0 {
		cfg.MaxInteractions = def.MaxInteractions
	}
	if cfg.RingMinLength <= 0 {
		cfg.RingMinLength = def.RingMinLength
	}
	if cfg.MaxRingDepth <= 0 {
		cfg.MaxRingDepth = def.MaxRingDepth
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = def.FrequencyThreshold
	}
	if cfg.TimingWindow <= 0 {
		cfg.TimingWindow = def.TimingWindow
	}
	if cfg.TimingMinInteractions <= 0 {
		cfg.TimingMinInteractions = def.TimingMinInteractions
	}
	if cfg.TimingMinAgents <= 0 {
		cfg.TimingMinAgents = def.TimingMinAgents
	}
	return &Detector{cfg: cfg, now: time.Now}
}

// SetClock replaces the time source used by RecordInteraction.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// RecordInteraction logs a message stamped with the current time.
func (d *Detector) RecordInteraction(from, to, contentHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendLocked(Interaction{From: from, To: to, ContentHash: contentHash, Timestamp: d.now()})
}

// RecordAt logs an interaction with its own timestamp, e.g. when replaying a log.
func (d *Detector) RecordAt(in Interaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendLocked(in)
}

func (d *Detector) appendLocked(in Interaction) {
	d.interactions = append(d.interactions, in)
	if len(d.interactions) > d.cfg.MaxInteractions {
		keep := d.cfg.MaxInteractions * 9 / 10
		trimmed := make([]Interaction, keep, d.cfg.MaxInteractions+1)
		copy(trimmed, d.interactions[len(d.interactions)-keep:])
		d.interactions = trimmed
		logging.CollusionDebug("Interaction log trimmed to %d", keep)
	}
}

// Interactions returns a copy of the retained log, oldest first.
func (d *Detector) Interactions() []Interaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Interaction, len(d.interactions))
	copy(out, d.interactions)
	return out
}

// Clear drops the interaction log.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactions = nil
}

// InteractionGraph builds the weighted directed graph of the retained log.
func (d *Detector) InteractionGraph() *Graph {
	d.mu.Lock()
	defer d.mu.Unlock()
	return buildGraph(d.interactions)
}

// DetectCollusion builds the graph once and runs the ring, frequency and
// timing detectors against it.
func (d *Detector) DetectCollusion() Report {
	d.mu.Lock()
	log := make([]Interaction, len(d.interactions))
	copy(log, d.interactions)
	now := d.now()
	d.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryCollusion, "DetectCollusion")
	defer timer.Stop()

	g := buildGraph(log)
	var patterns []Pattern
	patterns = append(patterns, d.detectRings(g)...)
	patterns = append(patterns, d.detectFrequency(g)...)
	patterns = append(patterns, d.detectTiming(log)...)

	if len(patterns) > 0 {
		logging.Collusion("Detected %d suspicious pattern(s) across %d interactions", len(patterns), len(log))
	}
	return Report{
		Detected:     len(patterns) > 0,
		Patterns:     patterns,
		Interactions: len(log),
		AnalyzedAt:   now,
	}
}

// detectRings runs a depth-bounded DFS from every node. Each cycle is
// reported once, rooted at its lowest-index member.
func (d *Detector) detectRings(g *Graph) []Pattern {
	var out []Pattern
	n := len(g.Agents)
	onPath := make([]bool, n)
	path := make([]int, 0, d.cfg.MaxRingDepth)

	var visit func(start, node int)
	visit = func(start, node int) {
		path = append(path, node)
		onPath[node] = true
		defer func() {
			path = path[:len(path)-1]
			onPath[node] = false
		}()

		for _, next := range g.successors(node) {
			if next == start {
				if len(path) >= d.cfg.RingMinLength {
					out = append(out, ringPattern(g, path))
				}
				continue
			}
			// Lower indices are roots of their own searches.
			if next < start || onPath[next] || len(path) >= d.cfg.MaxRingDepth {
				continue
			}
			visit(start, next)
		}
	}

	for start := 0; start < n; start++ {
		visit(start, start)
	}
	return out
}

func ringPattern(g *Graph, path []int) Pattern {
	agents := make([]string, len(path))
	for i, idx := range path {
		agents[i] = g.Agents[idx]
	}
	return Pattern{
		Type:       RingTopology,
		Agents:     agents,
		Evidence:   fmt.Sprintf("communication ring: %s -> %s", strings.Join(agents, " -> "), agents[0]),
		Confidence: ringConfidence,
	}
}

func (d *Detector) detectFrequency(g *Graph) []Pattern {
	var out []Pattern
	for _, e := range g.Edges() {
		if e.Count <= d.cfg.FrequencyThreshold {
			continue
		}
		conf := float64(e.Count) / float64(2*d.cfg.FrequencyThreshold)
		if conf > maxFreqConfidence {
			conf = maxFreqConfidence
		}
		out = append(out, Pattern{
			Type:       UnusualFrequency,
			Agents:     []string{e.From, e.To},
			Evidence:   fmt.Sprintf("%s -> %s: %d messages (threshold %d)", e.From, e.To, e.Count, d.cfg.FrequencyThreshold),
			Confidence: conf,
		})
	}
	return out
}

type timingBucket struct {
	count  int
	agents map[string]struct{}
}

func (d *Detector) detectTiming(log []Interaction) []Pattern {
	window := d.cfg.TimingWindow.Milliseconds()
	if window <= 0 {
		return nil
	}
	buckets := make(map[int64]*timingBucket)
	for _, in := range log {
		key := floorDiv(in.Timestamp.UnixMilli(), window)
		b, ok := buckets[key]
		if !ok {
			b = &timingBucket{agents: make(map[string]struct{})}
			buckets[key] = b
		}
		b.count++
		b.agents[in.From] = struct{}{}
		b.agents[in.To] = struct{}{}
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []Pattern
	for _, k := range keys {
		b := buckets[k]
		if b.count < d.cfg.TimingMinInteractions || len(b.agents) < d.cfg.TimingMinAgents {
			continue
		}
		agents := make([]string, 0, len(b.agents))
		for a := range b.agents {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		start := time.UnixMilli(k * window).UTC()
		out = append(out, Pattern{
			Type:   CoordinatedTiming,
			Agents: agents,
			Evidence: fmt.Sprintf("%d interactions among %d agents within %v starting %s",
				b.count, len(agents), d.cfg.TimingWindow, start.Format(time.RFC3339)),
			Confidence: timingConfidence,
		})
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
