package embedder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/casechat/internal/env"
)

// chatModelMarkers are name fragments of chat models. Such a model
// configured as EMBEDDING_MODEL still returns vectors, but poor ones.
var chatModelMarkers = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama2", "llama3", "llama-2", "llama-3",
	"mistral-small", "mistral-large", "mixtral",
	"gemma", "gemini-", "phi3", "claude", "command-r", "deepseek", "qwen",
}

func looksLikeChatModel(model string) bool {
	m := strings.ToLower(model)
	if strings.Contains(m, "embed") {
		return false
	}
	for _, marker := range chatModelMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// needs lists, per backend, the settings that must resolve to a value. Each
// entry is a set of variables tried in order.
var needs = map[string][][]string{
	"ollama": nil,
	"openai": {{"EMBEDDING_API_KEY", "OPENAI_API_KEY"}},
	"azure": {
		{"EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY"},
		{"EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT"},
	},
	"gemini": {{"EMBEDDING_API_KEY", "GOOGLE_API_KEY"}},
}

// ValidateForRAG checks the embedding settings before anything is built.
// Missing credentials are errors; a chat model used for embeddings is only
// a warning.
func ValidateForRAG(log *slog.Logger) error {
	backend := Backend()
	required, known := needs[backend]
	if !known {
		return fmt.Errorf("embedder: unknown backend %q", backend)
	}
	if env.String("EMBEDDING_PROVIDER", "") == "" && backend != "ollama" {
		log.Warn("embedder: EMBEDDING_PROVIDER not set, using the chat backend for embeddings",
			slog.String("backend", backend),
		)
	}
	for _, keys := range required {
		if env.FirstOf(keys...) == "" {
			return fmt.Errorf("embedder: %s backend needs %s (or %s)", backend, keys[len(keys)-1], strings.Join(keys[:len(keys)-1], ", "))
		}
	}

	if model := env.String("EMBEDDING_MODEL", ""); looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model",
			slog.String("model", model),
			slog.String("hint", "use an embedding model such as nomic-embed-text or text-embedding-3-small"),
		)
	}
	return nil
}
