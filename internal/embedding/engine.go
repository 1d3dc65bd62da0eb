// Package embedding provides vector embedding generation for shard retrieval.
// Supports multiple backends: a deterministic hash engine (offline),
// Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"guidance/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// EmbeddingEngine generates vector embeddings for text.
// Implementations must be deterministic enough for per-shard caching to be meaningful.
type EmbeddingEngine interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// ErrDimensionMismatch is returned when two vectors of different length are compared.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// dimensionGuard pins the vector size a remote engine returns first and
// rejects responses that disagree with it.
type dimensionGuard struct {
	mu   sync.Mutex
	dims int
}

func (g *dimensionGuard) check(vecs ...[]float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("empty embedding at index %d", i)
		}
		if g.dims == 0 {
			g.dims = len(v)
		}
		if len(v) != g.dims {
			return fmt.Errorf("%w: got %d, engine returned %d before", ErrDimensionMismatch, len(v), g.dims)
		}
	}
	return nil
}

func (g *dimensionGuard) get() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dims
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "hash", "ollama" or "genai"
	Provider string `yaml:"provider" json:"provider"`

	// Hash engine
	HashDimensions int `yaml:"hash_dimensions" json:"hash_dimensions"` // Default: 256

	// Ollama Configuration
	OllamaEndpoint    string `yaml:"ollama_endpoint" json:"ollama_endpoint"`       // Default: "http://localhost:11434"
	OllamaModel       string `yaml:"ollama_model" json:"ollama_model"`             // Default: "embeddinggemma"
	OllamaConcurrency int    `yaml:"ollama_concurrency" json:"ollama_concurrency"` // Default: 4
	OllamaBatchSize   int    `yaml:"ollama_batch_size" json:"ollama_batch_size"`   // Default: 32

	// GenAI Configuration
	GenAIAPIKey string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"` // Default: "gemini-embedding-001"
	// GenAIDimensions truncates Gemini vectors; 0 keeps the model size.
	GenAIDimensions int `yaml:"genai_dimensions" json:"genai_dimensions"`

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `yaml:"task_type" json:"task_type"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:          "hash", // Works offline, no model download
		HashDimensions:    256,
		OllamaEndpoint:    "http://localhost:11434",
		OllamaModel:       "embeddinggemma",
		OllamaConcurrency: 4,
		OllamaBatchSize:   32,
		GenAIModel:        "gemini-embedding-001",
		TaskType:          "SEMANTIC_SIMILARITY",
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.EmbeddingDebug("Engine config: provider=%s, hash_dims=%d, ollama_endpoint=%s, ollama_model=%s, genai_model=%s, task_type=%s",
		cfg.Provider, cfg.HashDimensions, cfg.OllamaEndpoint, cfg.OllamaModel, cfg.GenAIModel, cfg.TaskType)

	var engine EmbeddingEngine
	var err error

	switch cfg.Provider {
	case "hash", "":
		engine = NewHashEngine(cfg.HashDimensions)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.OllamaConcurrency, cfg.OllamaBatchSize)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType, cfg.GenAIDimensions)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'hash', 'ollama' or 'genai')", cfg.Provider)
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
// A zero-magnitude vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		x, y := float64(a[i]), float64(b[i])
		dotProduct += x * y
		aMagnitude += x * x
		bMagnitude += y * y
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K most similar vectors to the query.
// Corpus vectors with a different dimension are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}

	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}
