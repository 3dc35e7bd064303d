package provider

import (
	"context"
	"fmt"

	einoark "github.com/cloudwego/eino-ext/components/model/ark"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// DefaultMistralBaseURL is the OpenAI-compatible Mistral endpoint.
const DefaultMistralBaseURL = "https://api.mistral.ai/v1"

// newMistral constructs a ChatModel for Mistral through its OpenAI-compatible API.
func newMistral(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	baseURL := cfg.Mistral.BaseURL
	if baseURL == "" {
		baseURL = DefaultMistralBaseURL
	}
	maxTokens, temp := cfg.Tuning.MaxTokens, cfg.Tuning.Temperature
	m, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		Model:       cfg.Mistral.Model,
		APIKey:      cfg.Mistral.APIKey,
		BaseURL:     baseURL,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: mistral: %w", err)
	}
	return m, nil
}

// newOllama constructs a ChatModel backed by a local Ollama instance.
func newOllama(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	host := cfg.Ollama.Host
	if host == "" {
		host = "http://localhost:11434"
	}
	m, err := einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL: host,
		Model:   cfg.Ollama.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: ollama: %w", err)
	}
	return m, nil
}

// newOpenAI constructs a ChatModel backed by the OpenAI API.
func newOpenAI(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	maxTokens, temp := cfg.Tuning.MaxTokens, cfg.Tuning.Temperature
	m, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		Model:       cfg.OpenAI.Model,
		APIKey:      cfg.OpenAI.APIKey,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: openai: %w", err)
	}
	return m, nil
}

// newAzure constructs a ChatModel backed by Azure OpenAI Service.
func newAzure(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	az := cfg.AzureOpenAI
	mc := &einoopenai.ChatModelConfig{
		Model:      az.Deployment,
		APIKey:     az.APIKey,
		BaseURL:    az.Endpoint,
		ByAzure:    true,
		APIVersion: az.APIVersion,
		// Use the deployment name as-is; the default mapper strips dots and
		// colons, which breaks deployment names like "gpt-4.1".
		AzureModelMapperFunc: func(model string) string { return model },
	}
	if !isAzureReasoningModel(az.Deployment) {
		maxTokens, temp := cfg.Tuning.MaxTokens, cfg.Tuning.Temperature
		mc.MaxTokens = &maxTokens
		mc.Temperature = &temp
	}
	m, err := einoopenai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("provider: azure: %w", err)
	}
	return m, nil
}

// newBedrock constructs a ChatModel through the Ark runtime configured with a
// Bedrock-compatible endpoint. AWS credentials are resolved by that gateway.
func newBedrock(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	maxTokens, temp := cfg.Tuning.MaxTokens, cfg.Tuning.Temperature
	m, err := einoark.NewChatModel(ctx, &einoark.ChatModelConfig{
		Model:       cfg.Bedrock.ModelID,
		APIKey:      cfg.Bedrock.APIKey,
		BaseURL:     cfg.Bedrock.Endpoint,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: bedrock: %w", err)
	}
	return m, nil
}

// newGemini constructs a ChatModel backed by Google Gemini (AI Studio).
func newGemini(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: failed to create Gemini client: %w", err)
	}
	// Tuning reaches Gemini as per-call options from the generator.
	m, err := einogemini.NewChatModel(ctx, &einogemini.Config{
		Client: client,
		Model:  cfg.Gemini.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: gemini: %w", err)
	}
	return m, nil
}
