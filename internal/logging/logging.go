// Package logging builds the process logger and carries per-request loggers
// through context.
//
// LOG_LEVEL selects debug, info (default), warn or error. LOG_FORMAT selects
// json (default) or text. Attributes whose key names a credential are
// redacted before they reach the handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/54b3r/casechat/internal/env"
)

// Service is attached to every record as the "service" attribute.
const Service = "casechat"

const redacted = "[redacted]"

// secretKeys are matched as substrings of lower-cased attribute keys.
var secretKeys = []string{"api_key", "apikey", "authorization", "password", "secret", "token"}

type ctxKey struct{}

// New returns the stderr logger configured from the environment.
func New() *slog.Logger {
	return NewWithWriter(os.Stderr)
}

func NewWithWriter(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(env.String("LOG_LEVEL", "")),
		ReplaceAttr: redact,
	}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if env.Lower("LOG_FORMAT", "json") == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", Service))
}

// redact blanks credential-looking attributes. Counters such as
// "max_tokens" are numeric and left alone.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, _ := ctx.Value(ctxKey{}).(*slog.Logger); l != nil {
		return l
	}
	return slog.Default()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
