package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/casechat/internal/env"
)

const (
	// DefaultMaxTokens caps answer length.
	DefaultMaxTokens = 512
	// DefaultTemperature keeps answers close to the retrieved context.
	DefaultTemperature float32 = 0.2
)

// ConfigFromEnv reads provider configuration from environment variables.
// MODEL_PROVIDER selects the backend; each provider uses its own native
// credential env vars.
//
// Environment variables:
//
//	MODEL_PROVIDER              = mistral | ollama | openai | azure | bedrock | gemini (default: mistral)
//
//	Mistral: MISTRAL_API_KEY, MISTRAL_MODEL (default: mistral-small-latest),
//	         MISTRAL_BASE_URL (default: https://api.mistral.ai/v1)
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o-mini)
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Bedrock: AWS_REGION (default: us-east-1), BEDROCK_MODEL_ID, BEDROCK_ENDPOINT, BEDROCK_API_KEY
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//
//	Shared:  MODEL_MAX_TOKENS (default: 512), MODEL_TEMPERATURE (default: 0.2)
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(env.Lower("MODEL_PROVIDER", string(BackendMistral))),
		Mistral: ProviderMistral{
			APIKey:  env.String("MISTRAL_API_KEY", ""),
			Model:   env.String("MISTRAL_MODEL", "mistral-small-latest"),
			BaseURL: env.String("MISTRAL_BASE_URL", DefaultMistralBaseURL),
		},
		Ollama: ProviderOllama{
			Host:  env.String("OLLAMA_HOST", "http://localhost:11434"),
			Model: env.String("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey: env.String("OPENAI_API_KEY", ""),
			Model:  env.String("OPENAI_MODEL", "gpt-4o-mini"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     env.String("AZURE_OPENAI_API_KEY", ""),
			Endpoint:   env.String("AZURE_OPENAI_ENDPOINT", ""),
			Deployment: env.String("AZURE_OPENAI_DEPLOYMENT", ""),
			APIVersion: env.String("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Bedrock: ProviderBedrock{
			AWSRegion: env.String("AWS_REGION", "us-east-1"),
			ModelID:   env.String("BEDROCK_MODEL_ID", ""),
			Endpoint:  env.String("BEDROCK_ENDPOINT", ""),
			APIKey:    env.String("BEDROCK_API_KEY", ""),
		},
		Gemini: ProviderGemini{
			APIKey: env.String("GOOGLE_API_KEY", ""),
			Model:  env.String("GEMINI_MODEL", "gemini-1.5-pro"),
		},
		Tuning: SharedTuning{
			MaxTokens:   env.Int("MODEL_MAX_TOKENS", DefaultMaxTokens),
			Temperature: env.Float32("MODEL_TEMPERATURE", DefaultTemperature),
		},
	}
}

// New constructs a ChatModel from an explicit Config. It validates the
// config first so callers get a clear error at startup rather than on the
// first request.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	build, ok := constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("provider: no constructor for backend %q", cfg.Backend)
	}
	return build(ctx, cfg)
}

// constructors maps each backend to the function that builds its model.
var constructors = map[Backend]func(context.Context, *Config) (model.BaseChatModel, error){
	BackendMistral: newMistral,
	BackendOllama:  newOllama,
	BackendOpenAI:  newOpenAI,
	BackendAzure:   newAzure,
	BackendBedrock: newBedrock,
	BackendGemini:  newGemini,
}
