package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
)

// namedEmbedder is implemented by backends that can report their model, so
// cache entries never mix vectors from different models.
type namedEmbedder interface {
	ModelName() string
}

// CachedEmbedder memoizes embeddings in an expiring LRU. Vectors are cloned
// on the way in and out so callers can never corrupt a cached entry.
type CachedEmbedder struct {
	next  rag.Embedder
	model string
	cache *expirable.LRU[string, []float32]
}

// WithCache wraps next in a CachedEmbedder. A non-positive size or ttl
// disables caching and returns next unchanged.
func WithCache(next rag.Embedder, size int, ttl time.Duration) rag.Embedder {
	if next == nil || size <= 0 || ttl <= 0 {
		return next
	}
	model := ""
	if n, ok := next.(namedEmbedder); ok {
		model = n.ModelName()
	}
	return &CachedEmbedder{
		next:  next,
		model: model,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// Embed returns a cached vector when present, otherwise delegates.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if cached, ok := c.cache.Get(key); ok {
		logging.FromContext(ctx).Debug("embedder: cache hit", slog.String("model", c.model))
		return cloneEmbedding(cached), nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneEmbedding(vec))
	return vec, nil
}

// ModelName forwards the wrapped model name.
func (c *CachedEmbedder) ModelName() string { return c.model }

// Len reports the number of live cache entries.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.model + ":" + hex.EncodeToString(sum[:])
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
