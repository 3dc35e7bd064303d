package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/54b3r/casechat/internal/rag"
)

// OpenAIEmbedder calls the embeddings endpoint of OpenAI or of an Azure
// OpenAI deployment.
type OpenAIEmbedder struct {
	endpoint string
	header   http.Header
	model    string
	policy   policy
	client   *http.Client
}

// OpenAIConfig configures NewOpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is "https://api.openai.com/v1", or for Azure
	// "https://<resource>.openai.azure.com/openai".
	BaseURL string
	APIKey  string
	// Model is the model name, or the deployment name on Azure.
	Model string
	// Dimensions is requested from the API and enforced on the reply.
	Dimensions int
	// Azure switches to the deployment URL layout and api-key auth.
	Azure      bool
	APIVersion string

	MaxInputChars int
}

func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		endpoint: cfg.BaseURL + "/embeddings",
		header:   http.Header{},
		model:    cfg.Model,
		policy:   policy{maxInputChars: cfg.MaxInputChars, dimensions: cfg.Dimensions},
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.Azure {
		e.endpoint = fmt.Sprintf("%s/deployments/%s/embeddings?%s", cfg.BaseURL,
			url.PathEscape(cfg.Model), url.Values{"api-version": {cfg.APIVersion}}.Encode())
		e.header.Set("api-key", cfg.APIKey)
	} else {
		e.header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return e
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *openaiEmbedResponse) apiError() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

func (e *OpenAIEmbedder) ModelName() string { return "openai/" + e.model }

// Embed returns the normalized embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "openai embed"
	text, err := e.policy.prepare(ctx, op, text)
	if err != nil {
		return nil, err
	}

	var out openaiEmbedResponse
	req := openaiEmbedRequest{Input: []string{text}, Model: e.model, Dimensions: e.policy.dimensions}
	if err := postJSON(ctx, e.client, op, e.endpoint, e.header, req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != 1 || out.Data[0].Index != 0 {
		return nil, &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("want one embedding at index 0, got %d", len(out.Data))}
	}
	return e.policy.finish(op, out.Data[0].Embedding)
}
