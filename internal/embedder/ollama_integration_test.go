//go:build integration

package embedder

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestOllamaEmbedder_Integration calls a locally running Ollama instance.
//
//	ollama pull nomic-embed-text
//	go test -tags=integration -run TestOllamaEmbedder_Integration ./internal/embedder/
func TestOllamaEmbedder_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = defaultOllamaModel
	}

	emb := NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := emb.Embed(ctx, "The tariff schedule applies to imported steel.")
	if err != nil {
		t.Fatalf("Embed() failed: %v\n\nEnsure Ollama is running and %q is pulled", err, model)
	}
	b, err := emb.Embed(ctx, "The tariff schedule applies to imported steel.")
	if err != nil {
		t.Fatalf("second Embed() failed: %v", err)
	}
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("unexpected dimensions: %d vs %d", len(a), len(b))
	}
	if n := norm(a); n < 0.999 || n > 1.001 {
		t.Errorf("embedding not normalized: norm=%f", n)
	}
}
