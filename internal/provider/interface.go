// Package provider selects and constructs the chat-completion backend used
// for paraphrasing and answer generation.
// Supported backends: Mistral, Ollama, OpenAI, Azure OpenAI, AWS Bedrock (via
// the Ark runtime), Google Gemini.
package provider

import (
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendMistral selects the Mistral La Plateforme API (OpenAI-compatible).
	BackendMistral Backend = "mistral"
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock through the Ark-compatible runtime.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderMistral configures the Mistral backend.
type ProviderMistral struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ProviderOllama configures the Ollama backend.
type ProviderOllama struct {
	Host  string
	Model string
}

// ProviderOpenAI configures the OpenAI backend.
type ProviderOpenAI struct {
	APIKey string
	Model  string
}

// ProviderAzureOpenAI configures the Azure OpenAI backend.
type ProviderAzureOpenAI struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// ProviderBedrock configures the Bedrock backend.
type ProviderBedrock struct {
	AWSRegion string
	ModelID   string
	// Endpoint is the Ark-compatible runtime URL fronting Bedrock.
	Endpoint string
	APIKey   string
}

// ProviderGemini configures the Gemini backend.
type ProviderGemini struct {
	APIKey string
	Model  string
}

// SharedTuning holds generation defaults applied to every backend. Callers
// override them per request with model options.
type SharedTuning struct {
	MaxTokens   int
	Temperature float32
}

// Config holds provider configuration resolved from the environment or
// supplied by the caller. Only the section matching Backend is read.
type Config struct {
	Backend     Backend
	Mistral     ProviderMistral
	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Bedrock     ProviderBedrock
	Gemini      ProviderGemini
	Tuning      SharedTuning
}

// requirement is one setting a backend cannot start without.
type requirement struct {
	envVar string
	value  func(*Config) string
}

// requirements lists, per backend, the settings Validate checks in order.
var requirements = map[Backend][]requirement{
	BackendMistral: {
		{"MISTRAL_API_KEY", func(c *Config) string { return c.Mistral.APIKey }},
		{"MISTRAL_MODEL", func(c *Config) string { return c.Mistral.Model }},
	},
	BackendOllama: {
		{"OLLAMA_MODEL", func(c *Config) string { return c.Ollama.Model }},
	},
	BackendOpenAI: {
		{"OPENAI_API_KEY", func(c *Config) string { return c.OpenAI.APIKey }},
		{"OPENAI_MODEL", func(c *Config) string { return c.OpenAI.Model }},
	},
	BackendAzure: {
		{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.AzureOpenAI.APIKey }},
		{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.AzureOpenAI.Endpoint }},
		{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.AzureOpenAI.Deployment }},
	},
	BackendBedrock: {
		{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Bedrock.ModelID }},
		{"AWS_REGION", func(c *Config) string { return c.Bedrock.AWSRegion }},
	},
	BackendGemini: {
		{"GOOGLE_API_KEY", func(c *Config) string { return c.Gemini.APIKey }},
		{"GEMINI_MODEL", func(c *Config) string { return c.Gemini.Model }},
	},
}

// Validate reports the first missing setting for the selected backend, named
// by its environment variable.
func (c *Config) Validate() error {
	reqs, ok := requirements[c.Backend]
	if !ok {
		return fmt.Errorf("provider: unknown backend %q: valid values: mistral, ollama, openai, azure, bedrock, gemini", c.Backend)
	}
	for _, r := range reqs {
		if r.value(c) == "" {
			return fmt.Errorf("provider: %s is required for %s backend", r.envVar, c.Backend)
		}
	}
	return nil
}

// ModelName returns the model identifier of the selected backend, for logs
// and metrics labels.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendMistral:
		return c.Mistral.Model
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendBedrock:
		return c.Bedrock.ModelID
	case BackendGemini:
		return c.Gemini.Model
	}
	return ""
}

// isAzureReasoningModel reports whether an Azure deployment is an o-series or
// codex-class reasoning model. Those reject temperature and max_tokens.
func isAzureReasoningModel(deployment string) bool {
	d := strings.ToLower(deployment)
	for _, prefix := range []string{"o1", "o3", "o4", "codex"} {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}
