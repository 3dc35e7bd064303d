// Package embedder provides rag.Embedder implementations that turn text into
// normalized dense vectors. Each backend (Ollama, OpenAI / Azure OpenAI,
// Gemini) talks to its API directly; an LRU decorator caches results.
//
// Every backend applies the same input and output policy:
//   - empty or whitespace-only text is rejected with rag.ErrInvalidInput;
//   - text longer than MaxInputChars runes is truncated at a rune boundary
//     (the cut is logged at debug level);
//   - the returned vector is L2-normalized, and an empty, zero-norm or
//     wrong-dimension vector is reported as *rag.EmbeddingServiceError.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
)

// DefaultMaxInputChars bounds embedding input length in runes.
const DefaultMaxInputChars = 8000

// policy is the input/output contract shared by all backends.
type policy struct {
	// maxInputChars is the truncation bound; <= 0 selects the default.
	maxInputChars int
	// dimensions, when > 0, is the exact vector length expected.
	dimensions int
}

// prepare validates and truncates text.
func (p policy) prepare(ctx context.Context, op, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s: %w: empty text", op, rag.ErrInvalidInput)
	}
	limit := p.maxInputChars
	if limit <= 0 {
		limit = DefaultMaxInputChars
	}
	if utf8.RuneCountInString(text) <= limit {
		return text, nil
	}
	runes := []rune(text)
	logging.FromContext(ctx).Debug("embedder: truncating input",
		slog.String("op", op),
		slog.Int("runes", len(runes)),
		slog.Int("limit", limit),
	)
	return string(runes[:limit]), nil
}

// finish validates and normalizes a backend vector.
func (p policy) finish(op string, vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("empty embedding in response")}
	}
	if p.dimensions > 0 && len(vec) != p.dimensions {
		return nil, &rag.EmbeddingServiceError{
			Op:  op,
			Err: fmt.Errorf("expected %d dimensions, got %d", p.dimensions, len(vec)),
		}
	}
	out, ok := normalize(vec)
	if !ok {
		return nil, &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("zero-norm embedding in response")}
	}
	return out, nil
}

// normalize returns a unit-length copy of v. ok is false for zero or
// non-finite vectors.
func normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

// statusError converts a non-2xx HTTP response into an embedding error,
// marking 429 as rate limited.
func statusError(op string, status int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	if status == http.StatusTooManyRequests {
		return &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("%w: %s", rag.ErrRateLimited, msg)}
	}
	return &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("%s", msg)}
}
