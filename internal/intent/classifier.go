// Package intent classifies free-text task descriptions into one of a fixed
// set of task categories using a weighted pattern table.
package intent

import (
	"fmt"
	"regexp"
	"sort"

	"guidance/internal/logging"
)

// Intent is a task category.
type Intent string

const (
	BugFix       Intent = "bug-fix"
	Feature      Intent = "feature"
	Refactor     Intent = "refactor"
	Security     Intent = "security"
	Performance  Intent = "performance"
	Testing      Intent = "testing"
	Docs         Intent = "docs"
	Deployment   Intent = "deployment"
	Architecture Intent = "architecture"
	Debug        Intent = "debug"

	// General is returned when no pattern matches.
	General Intent = "general"
)

// All lists the classifiable intents in tie-break order.
var All = []Intent{
	BugFix, Feature, Refactor, Security, Performance,
	Testing, Docs, Deployment, Architecture, Debug,
}

// confidenceScale maps accumulated weight to confidence: two or three strong
// hits saturate near 1.0.
const confidenceScale = 3.0

// PatternDef is one weighted pattern contributing to an intent.
type PatternDef struct {
	Intent  Intent
	Pattern string // case-insensitive regular expression
	Weight  float64
}

// DefaultPatterns is the built-in pattern table.
var DefaultPatterns = []PatternDef{
	{BugFix, `\bfix(es|ed|ing)?\b`, 2},
	{BugFix, `\bbugs?\b`, 2},
	{BugFix, `\bcrash(es|ed|ing)?\b`, 1.5},
	{BugFix, `\b(broken|regression|exception|error)s?\b`, 1},
	{BugFix, `\b(issue|fails?|failing|failure)s?\b`, 0.5},

	{Feature, `\b(add|implement|create|build)(s|ed|ing)?\b`, 1.5},
	{Feature, `\bfeatures?\b`, 2},
	{Feature, `\bnew\b`, 1},
	{Feature, `\bsupport for\b`, 1},

	{Refactor, `\brefactor(s|ed|ing)?\b`, 2.5},
	{Refactor, `\b(clean ?up|restructure|simplify|extract|rename|decouple)\b`, 1.5},
	{Refactor, `\btech(nical)? debt\b`, 1.5},

	{Security, `\bsecur(e|ity)\b`, 2},
	{Security, `\b(vulnerab\w*|cve|exploit\w*|xss|csrf|injection)\b`, 2},
	{Security, `\b(auth\w*|encrypt\w*|secrets?|credentials?|permissions?|sanitiz\w*)\b`, 1},

	{Performance, `\b(perf|performance)\b`, 2},
	{Performance, `\b(slow|latency|speed ?up|faster|bottleneck)\b`, 1.5},
	{Performance, `\b(optimi[sz]\w*|cach(e|ing)|memory leak|throughput|profil\w*)\b`, 1.5},

	{Testing, `\btests?\b`, 2},
	{Testing, `\b(unit|integration|e2e|end-to-end) tests?\b`, 1},
	{Testing, `\b(coverage|mocks?|fixtures?|assertions?|flaky)\b`, 1},

	{Docs, `\b(docs?|documentation|document)\b`, 2},
	{Docs, `\b(readme|changelog|comments?|guides?|tutorials?)\b`, 1.5},
	{Docs, `\b(godoc|jsdoc|docstrings?)\b`, 1},

	{Deployment, `\b(deploy\w*|release|rollout|roll out)\b`, 2},
	{Deployment, `\b(ci|cd|pipelines?|docker\w*|kubernetes|k8s|helm)\b`, 1.5},
	{Deployment, `\b(production|staging|prod)\b`, 1},

	{Architecture, `\barchitect\w*\b`, 2.5},
	{Architecture, `\b(design|patterns?|modules?|boundar(y|ies)|layers?)\b`, 1},
	{Architecture, `\b(microservices?|monolith|system design)\b`, 1.5},

	{Debug, `\bdebug\w*\b`, 2.5},
	{Debug, `\b(investigate|trace|diagnos\w*|root cause|why)\b`, 1.5},
	{Debug, `\b(logs?|stack ?traces?|breakpoints?)\b`, 1},
}

// Result is a classification outcome.
type Result struct {
	Intent     Intent
	Confidence float64
	Scores     map[Intent]float64 // accumulated weight per matched intent
}

type compiledPattern struct {
	intent Intent
	re     *regexp.Regexp
	weight float64
}

// Classifier evaluates a compiled pattern table. It holds no mutable state
// after construction and is safe for concurrent use.
type Classifier struct {
	patterns []compiledPattern
}

// NewClassifier compiles defs. A nil table selects DefaultPatterns.
func NewClassifier(defs []PatternDef) (*Classifier, error) {
	if defs == nil {
		defs = DefaultPatterns
	}
	c := &Classifier{patterns: make([]compiledPattern, 0, len(defs))}
	for _, d := range defs {
		re, err := regexp.Compile("(?i)" + d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("intent %s: bad pattern %q: %w", d.Intent, d.Pattern, err)
		}
		c.patterns = append(c.patterns, compiledPattern{intent: d.Intent, re: re, weight: d.Weight})
	}
	return c, nil
}

// MustNewClassifier is NewClassifier for static tables.
func MustNewClassifier(defs []PatternDef) *Classifier {
	c, err := NewClassifier(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify scores text against every pattern and returns the best intent.
// Ties go to the intent listed first in All.
func (c *Classifier) Classify(text string) Result {
	scores := make(map[Intent]float64)
	for _, p := range c.patterns {
		if p.re.MatchString(text) {
			scores[p.intent] += p.weight
		}
	}

	best, bestScore := General, 0.0
	for _, in := range All {
		if s := scores[in]; s > bestScore {
			best, bestScore = in, s
		}
	}
	// Custom tables may introduce intents outside All; visit them in name order.
	extra := make([]Intent, 0)
	for in := range scores {
		if !isBuiltin(in) {
			extra = append(extra, in)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, in := range extra {
		if s := scores[in]; s > bestScore {
			best, bestScore = in, s
		}
	}

	confidence := bestScore / confidenceScale
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	logging.IntentDebug("Classified %q as %s (confidence=%.2f)", truncate(text, 80), best, confidence)
	return Result{Intent: best, Confidence: confidence, Scores: scores}
}

func isBuiltin(in Intent) bool {
	for _, b := range All {
		if b == in {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
