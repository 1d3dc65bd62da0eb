package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// genaiMaxBatch is the number of contents the Gemini API accepts per
// EmbedContent call.
const genaiMaxBatch = 100

// GenAIEngine embeds text through the Gemini API.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
	output   *int32 // requested dimensionality; nil keeps the model default
	dims     dimensionGuard
}

// NewGenAIEngine creates a Gemini engine. dimensions <= 0 keeps the model's
// native size.
func NewGenAIEngine(apiKey, model, taskType string, dimensions int) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embedding requires an API key")
	}
	if model == "" {
		model = DefaultConfig().GenAIModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	e := &GenAIEngine{client: client, model: model, taskType: parseTaskType(taskType)}
	if dimensions > 0 {
		e.output = genai.Ptr(int32(dimensions))
	}
	return e, nil
}

// parseTaskType passes through task types the API knows and falls back to
// SEMANTIC_SIMILARITY.
func parseTaskType(taskType string) string {
	switch taskType {
	case "CLASSIFICATION", "CLUSTERING", "RETRIEVAL_DOCUMENT", "RETRIEVAL_QUERY",
		"QUESTION_ANSWERING", "FACT_VERIFICATION", "SEMANTIC_SIMILARITY":
		return taskType
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in API-sized chunks, in order.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genaiMaxBatch {
		end := min(start+genaiMaxBatch, len(texts))
		vecs, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *GenAIEngine) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             e.taskType,
		OutputDimensionality: e.output,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	if err := e.dims.check(vecs...); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Dimensions reports the requested size, or the size seen so far when the
// model default is used.
func (e *GenAIEngine) Dimensions() int {
	if e.output != nil {
		return int(*e.output)
	}
	return e.dims.get()
}

func (e *GenAIEngine) Name() string {
	return "genai:" + e.model
}
