package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"guidance/internal/logging"
)

// LoadFile reads a YAML bundle, recomputes the constitution hash and validates it.
// A stored hash that disagrees with the text is overwritten and logged.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML bundle document.
func Parse(data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}

	if b.Constitution.Hash != "" && !b.Constitution.Verify() {
		logging.PolicyWarn("Constitution hash mismatch; recomputing (stored=%s)", b.Constitution.Hash)
	}
	b.Constitution.Hash = HashText(b.Constitution.Text)

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle: %w", err)
	}

	logging.Policy("Loaded bundle: %d shards, constitution=%s", len(b.Shards), b.Constitution.Hash[:12])
	return &b, nil
}

// Save writes the bundle as YAML.
func (b *Bundle) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	return nil
}
