// Package tracing wires Langfuse tracing into every eino model call
// (answers and paraphrases) when credentials are configured.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// DefaultHost is used when LANGFUSE_HOST is unset.
const DefaultHost = "http://localhost:3000"

// Config holds Langfuse credentials.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and LANGFUSE_SECRET_KEY.
func ConfigFromEnv() Config {
	host := os.Getenv("LANGFUSE_HOST")
	if host == "" {
		host = DefaultHost
	}
	return Config{
		Host:      host,
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Setup builds the Langfuse callback handler. The returned flush function
// must be called before process exit so buffered traces are sent. When
// tracing is not configured it returns nil, nil, false.
func Setup(cfg Config) (callbacks.Handler, func(), bool) {
	if !cfg.Enabled() {
		return nil, nil, false
	}
	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
	})
	return handler, flusher, true
}

// Install registers the handler globally and returns the flush function.
// The result is always safe to defer.
func Install(cfg Config, log *slog.Logger) func() {
	handler, flush, ok := Setup(cfg)
	if !ok {
		log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY or LANGFUSE_SECRET_KEY not set"))
		return func() {}
	}
	callbacks.AppendGlobalHandlers(handler)
	log.Info("langfuse tracing enabled", slog.String("host", cfg.Host))
	return flush
}
