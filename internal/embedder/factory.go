package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/54b3r/casechat/internal/env"
	"github.com/54b3r/casechat/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "text-embedding-004"

	defaultOllamaDimensions = 768
	defaultOpenAIDimensions = 1536
	defaultGeminiDimensions = 768

	defaultCacheSize = 1024
	defaultCacheTTL  = 15 * time.Minute
)

// Backend returns the effective embedding backend: EMBEDDING_PROVIDER, else
// MODEL_PROVIDER, else ollama. Chat-only providers (mistral, bedrock) fall
// back to ollama since they expose no embedding endpoint here.
func Backend() string {
	if b := env.Lower("EMBEDDING_PROVIDER", ""); b != "" {
		return b
	}
	switch b := env.Lower("MODEL_PROVIDER", "ollama"); b {
	case "mistral", "bedrock":
		return "ollama"
	default:
		return b
	}
}

// DefaultDimensions returns the embedding vector size for backend.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := env.Int("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	case "gemini":
		return defaultGeminiDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// NewFromEnv constructs the configured embedder, wrapped in an LRU cache
// unless EMBEDDING_CACHE_SIZE=0.
//
// Environment variables:
//
//	EMBEDDING_PROVIDER    = ollama | openai | azure | gemini (default: inherits MODEL_PROVIDER)
//	EMBEDDING_MODEL       overrides the backend's default model
//	EMBEDDING_API_KEY     overrides the inherited API key
//	EMBEDDING_ENDPOINT    overrides the inherited endpoint
//	EMBEDDING_DIMENSIONS  enforced vector size (ollama/gemini: 768, openai/azure: 1536)
//	EMBEDDING_MAX_CHARS   truncation bound in runes (default: 8000)
//	EMBEDDING_CACHE_SIZE  LRU entries (default: 1024, 0 disables)
//	EMBEDDING_CACHE_TTL   LRU entry lifetime (default: 15m)
func NewFromEnv(ctx context.Context) (rag.Embedder, error) {
	emb, err := newBackend(ctx, Backend())
	if err != nil {
		return nil, err
	}
	ttl := env.Duration("EMBEDDING_CACHE_TTL", defaultCacheTTL)
	return WithCache(emb, env.Int("EMBEDDING_CACHE_SIZE", defaultCacheSize), ttl), nil
}

func newBackend(ctx context.Context, backend string) (rag.Embedder, error) {
	maxChars := env.Int("EMBEDDING_MAX_CHARS", DefaultMaxInputChars)
	dims := DefaultDimensions(backend)

	switch backend {
	case "ollama":
		host := env.String("EMBEDDING_ENDPOINT", env.String("OLLAMA_HOST", "http://localhost:11434"))
		return NewOllamaEmbedder(&OllamaConfig{
			Host:          host,
			Model:         env.String("EMBEDDING_MODEL", defaultOllamaModel),
			Dimensions:    dims,
			MaxInputChars: maxChars,
		}), nil

	case "openai":
		apiKey := env.FirstOf("EMBEDDING_API_KEY", "OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:       env.String("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:        apiKey,
			Model:         env.String("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions:    dims,
			MaxInputChars: maxChars,
		}), nil

	case "azure":
		apiKey := env.FirstOf("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := env.FirstOf("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:       endpoint + "/openai",
			APIKey:        apiKey,
			Model:         env.String("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions:    dims,
			Azure:         true,
			APIVersion:    env.String("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
			MaxInputChars: maxChars,
		}), nil

	case "gemini":
		return NewGeminiEmbedder(ctx, &GeminiConfig{
			APIKey:        env.FirstOf("EMBEDDING_API_KEY", "GOOGLE_API_KEY"),
			Model:         env.String("EMBEDDING_MODEL", defaultGeminiModel),
			Dimensions:    dims,
			MaxInputChars: maxChars,
		})

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q: valid values: ollama, openai, azure, gemini", backend)
	}
}
