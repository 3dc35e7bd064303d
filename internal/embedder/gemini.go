package embedder

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/54b3r/casechat/internal/rag"
)

// geminiTaskType asks Gemini for query-side retrieval embeddings.
const geminiTaskType = "RETRIEVAL_QUERY"

// contentEmbedder is the slice of *genai.Models used here; tests fake it.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GeminiEmbedder implements rag.Embedder with the Gemini embedding API.
type GeminiEmbedder struct {
	models contentEmbedder
	model  string
	policy policy
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	// APIKey is the Google AI Studio key.
	APIKey string
	// Model is the embedding model (e.g. "text-embedding-004").
	Model string
	// Dimensions, when set, is requested and enforced.
	Dimensions int
	// MaxInputChars is the truncation bound (default DefaultMaxInputChars).
	MaxInputChars int
}

// NewGeminiEmbedder creates the genai client and returns the embedder.
func NewGeminiEmbedder(ctx context.Context, cfg *GeminiConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini embedder: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	return &GeminiEmbedder{
		models: client.Models,
		model:  cfg.Model,
		policy: policy{maxInputChars: cfg.MaxInputChars, dimensions: cfg.Dimensions},
	}, nil
}

// ModelName returns the configured model, used as part of cache keys.
func (e *GeminiEmbedder) ModelName() string { return "gemini/" + e.model }

// Embed returns the normalized embedding of text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "gemini embed"
	text, err := e.policy.prepare(ctx, op, text)
	if err != nil {
		return nil, err
	}

	config := &genai.EmbedContentConfig{TaskType: geminiTaskType}
	if e.policy.dimensions > 0 {
		dims := int32(e.policy.dimensions) //nolint:gosec // dimensions are small
		config.OutputDimensionality = &dims
	}

	resp, err := e.models.EmbedContent(ctx, e.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}},
		config,
	)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, statusError(op, apiErr.Code, apiErr.Message)
		}
		return nil, &rag.EmbeddingServiceError{Op: op, Err: err}
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("no embedding values returned")}
	}
	return e.policy.finish(op, resp.Embeddings[0].Values)
}
