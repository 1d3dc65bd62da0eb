// Package policy defines the compiled policy bundle consumed by the shard
// retriever: an immutable constitution plus an ordered list of rule shards.
package policy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// RiskClass grades how dangerous it is to ignore a rule.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Valid reports whether r is one of the four known classes.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

var (
	// ErrEmptyConstitution is returned for a bundle without root policy text.
	ErrEmptyConstitution = errors.New("constitution text is empty")
	// ErrDuplicateShard is returned when two shards share an id.
	ErrDuplicateShard = errors.New("duplicate shard id")
	// ErrInvalidRisk is returned for an unknown risk class.
	ErrInvalidRisk = errors.New("invalid risk class")
)

// Constitution is the always-included root policy text.
type Constitution struct {
	Text string `yaml:"text" json:"text"`
	Hash string `yaml:"hash" json:"hash"`
}

// NewConstitution builds a constitution and computes its content hash.
func NewConstitution(text string) Constitution {
	return Constitution{Text: text, Hash: HashText(text)}
}

// Verify reports whether Hash matches Text.
func (c Constitution) Verify() bool {
	return c.Hash == HashText(c.Text)
}

// HashText returns the hex blake3 digest of text.
func HashText(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Shard is a single compiled, retrievable policy rule.
// Shards are immutable once loaded; embeddings are cached by the retriever, not here.
type Shard struct {
	ID         string    `yaml:"id" json:"id"`
	Text       string    `yaml:"text" json:"text"`
	Risk       RiskClass `yaml:"risk" json:"risk"`
	Priority   int       `yaml:"priority" json:"priority"`
	Intents    []string  `yaml:"intents,omitempty" json:"intents,omitempty"`
	Domains    []string  `yaml:"domains,omitempty" json:"domains,omitempty"`
	RepoScopes []string  `yaml:"repo_scopes,omitempty" json:"repo_scopes,omitempty"`
}

// HasIntent reports whether the shard lists intent.
func (s Shard) HasIntent(intent string) bool {
	for _, i := range s.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// Bundle is a constitution plus its ordered shards.
type Bundle struct {
	Constitution Constitution `yaml:"constitution" json:"constitution"`
	Shards       []Shard      `yaml:"shards" json:"shards"`
}

// NewBundle builds a bundle from raw constitution text and shards.
func NewBundle(constitution string, shards []Shard) *Bundle {
	return &Bundle{Constitution: NewConstitution(constitution), Shards: shards}
}

// Validate checks the structural invariants a retriever relies on.
func (b *Bundle) Validate() error {
	if strings.TrimSpace(b.Constitution.Text) == "" {
		return ErrEmptyConstitution
	}
	seen := make(map[string]bool, len(b.Shards))
	for i, s := range b.Shards {
		if s.ID == "" {
			return fmt.Errorf("shard %d: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateShard, s.ID)
		}
		seen[s.ID] = true
		if !s.Risk.Valid() {
			return fmt.Errorf("shard %s: %w: %q", s.ID, ErrInvalidRisk, s.Risk)
		}
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("shard %s: empty text", s.ID)
		}
	}
	return nil
}

// Version identifies a bundle's content: the constitution hash combined with
// every shard id and text. Two bundles with the same version index identically.
func (b *Bundle) Version() string {
	h := blake3.New()
	_, _ = h.Write([]byte(b.Constitution.Text))
	for _, s := range b.Shards {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(s.ID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(s.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}
