package embedder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/54b3r/casechat/internal/rag"
)

// OllamaEmbedder calls the /api/embed endpoint of a local Ollama server.
type OllamaEmbedder struct {
	host   string
	model  string
	policy policy
	client *http.Client
}

// OllamaConfig configures NewOllamaEmbedder. Host is the server base URL,
// e.g. "http://localhost:11434".
type OllamaConfig struct {
	Host          string
	Model         string
	Dimensions    int
	MaxInputChars int
}

func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	return &OllamaEmbedder{
		host:   cfg.Host,
		model:  cfg.Model,
		policy: policy{maxInputChars: cfg.MaxInputChars, dimensions: cfg.Dimensions},
		// Local models can be slow to load on first use.
		client: &http.Client{Timeout: time.Minute},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (r *ollamaEmbedResponse) apiError() string { return r.Error }

func (e *OllamaEmbedder) ModelName() string { return "ollama/" + e.model }

// Embed returns the normalized embedding of text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "ollama embed"
	text, err := e.policy.prepare(ctx, op, text)
	if err != nil {
		return nil, err
	}

	var out ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: e.model, Input: []string{text}}
	if err := postJSON(ctx, e.client, op, e.host+"/api/embed", nil, req, &out); err != nil {
		return nil, err
	}
	if n := len(out.Embeddings); n != 1 {
		return nil, &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("want 1 embedding, got %d", n)}
	}
	return e.policy.finish(op, out.Embeddings[0])
}
