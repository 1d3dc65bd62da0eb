package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"guidance/internal/logging"
)

// OllamaEngine embeds text through a local Ollama server's /api/embed
// endpoint. Batches are split into chunks that are sent concurrently.
type OllamaEngine struct {
	endpoint    string
	model       string
	concurrency int
	batchSize   int
	client      *http.Client
	dims        dimensionGuard
}

// NewOllamaEngine creates an Ollama engine. Zero values pick the defaults
// from DefaultConfig.
func NewOllamaEngine(endpoint, model string, concurrency, batchSize int) (*OllamaEngine, error) {
	def := DefaultConfig()
	if endpoint == "" {
		endpoint = def.OllamaEndpoint
	}
	if model == "" {
		model = def.OllamaModel
	}
	if concurrency <= 0 {
		concurrency = def.OllamaConcurrency
	}
	if batchSize <= 0 {
		batchSize = def.OllamaBatchSize
	}

	return &OllamaEngine{
		endpoint:    endpoint,
		model:       model,
		concurrency: concurrency,
		batchSize:   batchSize,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for start := 0; start < len(texts); start += e.batchSize {
		start := start
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedChunk(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed texts %d-%d: %w", start, end-1, err)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OllamaEngine) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	if err := e.dims.check(result.Embeddings...); err != nil {
		return nil, err
	}
	logging.EmbeddingDebug("ollama embedded %d texts (dims=%d)", len(texts), e.dims.get())
	return result.Embeddings, nil
}

// Dimensions reports the vector size seen in the first response, or 0
// before any text has been embedded.
func (e *OllamaEngine) Dimensions() int { return e.dims.get() }

func (e *OllamaEngine) Name() string {
	return "ollama:" + e.model
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
