package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HealthChecker probes a backend without spending tokens.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// httpHealthCheck issues a GET against a listing endpoint of the backend.
type httpHealthCheck struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func (h *httpHealthCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider: health check: HTTP %d from %s", resp.StatusCode, redact(h.url))
	}
	return nil
}

// redact strips the query string, which may carry credentials.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// NewHealthChecker returns a zero-cost probe for the configured backend, or
// nil when the backend exposes no cheap endpoint (callers then fall back to
// a one-token generate call).
func NewHealthChecker(cfg *Config) HealthChecker {
	client := &http.Client{Timeout: 5 * time.Second}
	switch cfg.Backend {
	case BackendMistral:
		base := cfg.Mistral.BaseURL
		if base == "" {
			base = DefaultMistralBaseURL
		}
		return &httpHealthCheck{
			url:     strings.TrimRight(base, "/") + "/models",
			headers: map[string]string{"Authorization": "Bearer " + cfg.Mistral.APIKey},
			client:  client,
		}
	case BackendOllama:
		return &httpHealthCheck{url: strings.TrimRight(cfg.Ollama.Host, "/") + "/api/tags", client: client}
	case BackendOpenAI:
		return &httpHealthCheck{
			url:     "https://api.openai.com/v1/models",
			headers: map[string]string{"Authorization": "Bearer " + cfg.OpenAI.APIKey},
			client:  client,
		}
	case BackendAzure:
		return &httpHealthCheck{
			url:     strings.TrimRight(cfg.AzureOpenAI.Endpoint, "/") + "/openai/models?api-version=" + cfg.AzureOpenAI.APIVersion,
			headers: map[string]string{"api-key": cfg.AzureOpenAI.APIKey},
			client:  client,
		}
	case BackendGemini:
		return &httpHealthCheck{
			url:     "https://generativelanguage.googleapis.com/v1beta/models",
			headers: map[string]string{"x-goog-api-key": cfg.Gemini.APIKey},
			client:  client,
		}
	default:
		return nil
	}
}
