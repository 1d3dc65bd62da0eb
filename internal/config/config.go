package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"guidance/internal/collusion"
	"guidance/internal/embedding"
	"guidance/internal/logging"
	"guidance/internal/quorum"
	"guidance/internal/retrieval"
	"guidance/internal/threat"
)

// Config holds all guidance configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Embedding provider for shard retrieval
	Embedding embedding.Config `yaml:"embedding"`

	// Shard ranking
	Retrieval retrieval.Config `yaml:"retrieval"`

	// Adversarial safety
	Threat    ThreatConfig    `yaml:"threat"`
	Collusion CollusionConfig `yaml:"collusion"`
	Quorum    quorum.Config   `yaml:"quorum"`

	// Policy bundle source
	Policy PolicyConfig `yaml:"policy"`

	// Audit ledger
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging logging.Config `yaml:"logging"`
}

// ThreatConfig configures the threat detector. Durations are Go duration strings.
type ThreatConfig struct {
	MaxHistory     int    `yaml:"max_history"`
	WriteRateLimit int    `yaml:"write_rate_limit"`
	RateWindow     string `yaml:"rate_window"`
	DecayWindow    string `yaml:"decay_window"`
}

// CollusionConfig configures the collusion detector.
type CollusionConfig struct {
	MaxInteractions       int    `yaml:"max_interactions"`
	RingMinLength         int    `yaml:"ring_min_length"`
	MaxRingDepth          int    `yaml:"max_ring_depth"`
	FrequencyThreshold    int    `yaml:"frequency_threshold"`
	TimingWindow          string `yaml:"timing_window"`
	TimingMinInteractions int    `yaml:"timing_min_interactions"`
	TimingMinAgents       int    `yaml:"timing_min_agents"`
}

// PolicyConfig locates the compiled policy bundle.
type PolicyConfig struct {
	BundlePath string `yaml:"bundle_path"`
	Watch      bool   `yaml:"watch"`    // reload on change
	Debounce   string `yaml:"debounce"` // settle time before reload
}

// StoreConfig configures the SQLite audit ledger.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "guidance",
		Version: "0.4.0",

		Embedding: embedding.DefaultConfig(),
		Retrieval: retrieval.DefaultConfig(),

		Threat: ThreatConfig{
			MaxHistory:     10000,
			WriteRateLimit: 10,
			RateWindow:     "60s",
			DecayWindow:    "1h",
		},

		Collusion: CollusionConfig{
			MaxInteractions:       10000,
			RingMinLength:         3,
			MaxRingDepth:          10,
			FrequencyThreshold:    10,
			TimingWindow:          "5s",
			TimingMinInteractions: 5,
			TimingMinAgents:       3,
		},

		Quorum: quorum.DefaultConfig(),

		Policy: PolicyConfig{
			BundlePath: "policy/bundle.yaml",
			Debounce:   "200ms",
		},

		Store: StoreConfig{
			DatabasePath: ".guidance/audit.db",
		},

		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("GUIDANCE_EMBEDDING_PROVIDER"); p != "" {
		c.Embedding.Provider = p
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Embedding.OllamaEndpoint = host
	}

	// Database path from environment
	if path := os.Getenv("GUIDANCE_DB"); path != "" {
		c.Store.DatabasePath = path
		c.Store.Enabled = true
	}
	if path := os.Getenv("GUIDANCE_BUNDLE"); path != "" {
		c.Policy.BundlePath = path
	}
	if lvl := os.Getenv("GUIDANCE_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// ValidProviders lists all supported embedding providers.
var ValidProviders = []string{"hash", "ollama", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Embedding.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidProviders)
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		return fmt.Errorf("genai embedding requires an API key (set GEMINI_API_KEY)")
	}

	if c.Retrieval.DefaultMaxShards <= 0 {
		return fmt.Errorf("retrieval.default_max_shards must be positive, got %d", c.Retrieval.DefaultMaxShards)
	}
	if c.Retrieval.IntentBoost < 0 || c.Retrieval.CriticalBoost < 0 || c.Retrieval.HighBoost < 0 {
		return fmt.Errorf("retrieval boosts must not be negative")
	}

	if c.Quorum.Threshold <= 0 || c.Quorum.Threshold > 1 {
		return fmt.Errorf("quorum.threshold must be in (0, 1], got %v", c.Quorum.Threshold)
	}

	for name, d := range map[string]string{
		"threat.rate_window":      c.Threat.RateWindow,
		"threat.decay_window":     c.Threat.DecayWindow,
		"collusion.timing_window": c.Collusion.TimingWindow,
		"policy.debounce":         c.Policy.Debounce,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, d, err)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "json", "console", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s (use 'json' or 'console')", c.Logging.Format)
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ThreatDetectorConfig converts the threat section for threat.NewDetector.
func (c *Config) ThreatDetectorConfig() threat.Config {
	def := threat.DefaultConfig()
	return threat.Config{
		MaxHistory:     c.Threat.MaxHistory,
		WriteRateLimit: c.Threat.WriteRateLimit,
		RateWindow:     parseDuration(c.Threat.RateWindow, def.RateWindow),
		DecayWindow:    parseDuration(c.Threat.DecayWindow, def.DecayWindow),
	}
}

// CollusionDetectorConfig converts the collusion section for collusion.NewDetector.
func (c *Config) CollusionDetectorConfig() collusion.Config {
	def := collusion.DefaultConfig()
	return collusion.Config{
		MaxInteractions:       c.Collusion.MaxInteractions,
		RingMinLength:         c.Collusion.RingMinLength,
		MaxRingDepth:          c.Collusion.MaxRingDepth,
		FrequencyThreshold:    c.Collusion.FrequencyThreshold,
		TimingWindow:          parseDuration(c.Collusion.TimingWindow, def.TimingWindow),
		TimingMinInteractions: c.Collusion.TimingMinInteractions,
		TimingMinAgents:       c.Collusion.TimingMinAgents,
	}
}

// GetPolicyDebounce returns the bundle watcher debounce as a duration.
func (c *Config) GetPolicyDebounce() time.Duration {
	return parseDuration(c.Policy.Debounce, 200*time.Millisecond)
}
