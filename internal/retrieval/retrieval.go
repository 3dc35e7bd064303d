// Package retrieval assembles the grounding context for a question. It
// expands the question into paraphrases, runs embed+search for every variant
// concurrently, and merges the matches grouped by the variant that surfaced
// them. When nothing matches, the context lists the files in scope instead,
// so the model is never handed an empty context.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/54b3r/casechat/internal/budget"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/paraphrase"
	"github.com/54b3r/casechat/internal/prompts"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
	"github.com/54b3r/casechat/internal/storage"
)

const (
	// DefaultMatchCount is the per-variant result limit.
	DefaultMatchCount = 10
	// DefaultThreshold is the minimum similarity for a match.
	DefaultThreshold float32 = 0.5
	// DefaultVariantTimeout bounds one embed+search pipeline.
	DefaultVariantTimeout = 10 * time.Second
)

// Paraphraser produces alternate phrasings. *paraphrase.Expander satisfies it.
type Paraphraser interface {
	ExpandDetailed(ctx context.Context, question string, topics []string, template string) paraphrase.Result
}

// PromptSource resolves admin prompts. *prompts.Provider satisfies it.
type PromptSource interface {
	Get(ctx context.Context, kind prompts.Kind) string
}

// Config is the retrieval policy applied uniformly to every variant of a request.
type Config struct {
	MatchCount       int
	Threshold        float32
	VariantTimeout   time.Duration
	MaxContextTokens int
}

func (c Config) withDefaults() Config {
	if c.MatchCount <= 0 {
		c.MatchCount = DefaultMatchCount
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.VariantTimeout <= 0 {
		c.VariantTimeout = DefaultVariantTimeout
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = budget.DefaultMaxRetrievalTokens
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Paraphraser and Prompts
// may be nil: retrieval then uses the original question only and the default
// paraphrase template respectively.
type Deps struct {
	Embedder    rag.Embedder
	Store       rag.VectorStore
	Files       rag.FileLister
	Paraphraser Paraphraser
	Prompts     PromptSource
	Metrics     *Metrics
}

// Context is the assembled grounding for one question.
type Context struct {
	// Text is never empty: either merged chunks or the fallback listing.
	Text     string
	Sources  []rag.Source
	Variants []rag.QueryVariant
	Matches  []rag.RetrievalMatch
	// Fallback is true when no variant matched and Text is the file listing.
	Fallback bool
	// Failures holds the per-variant errors that were absorbed.
	Failures []error
	// ParaphraseDegraded is true when fewer than five paraphrases were used.
	ParaphraseDegraded bool
}

// AllEmbeddingsFailed reports whether every variant failed to embed, which
// callers surface as "search unavailable".
func (c *Context) AllEmbeddingsFailed() bool {
	if len(c.Failures) == 0 || len(c.Failures) < len(c.Variants) {
		return false
	}
	for _, err := range c.Failures {
		if !errors.Is(err, rag.ErrEmbeddingUnavailable) {
			return false
		}
	}
	return true
}

// Orchestrator runs the multi-variant retrieval.
type Orchestrator struct {
	deps Deps
	cfg  Config
}

// New returns an Orchestrator. Embedder, Store and Files are required.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Embedder == nil || deps.Store == nil || deps.Files == nil {
		return nil, fmt.Errorf("retrieval: embedder, store and file lister are required")
	}
	return &Orchestrator{deps: deps, cfg: cfg.withDefaults()}, nil
}

// Config returns the effective policy.
func (o *Orchestrator) Config() Config { return o.cfg }

// variantResult is the settled outcome of one variant pipeline.
type variantResult struct {
	matches []rag.RetrievalMatch
	err     error
}

// Retrieve builds the context for question within scope. Per-variant
// failures are absorbed into Context.Failures; an error is returned only for
// invalid input or a cancelled request. history is accepted so callers pass
// the conversation as-is; retrieval itself is stateless and ignores it.
func (o *Orchestrator) Retrieve(ctx context.Context, question string, scope rag.Scope, history []session.Turn) (*Context, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("retrieval: %w: empty question", rag.ErrInvalidInput)
	}
	start := time.Now()
	defer func() { o.deps.Metrics.observe(time.Since(start).Seconds()) }()

	log := logging.FromContext(ctx).With(
		slog.String("scope", string(scope)),
		slog.Int("history_turns", len(history)),
	)

	out := &Context{}
	out.Variants, out.ParaphraseDegraded = o.variants(ctx, log, question, scope)
	if out.ParaphraseDegraded {
		o.deps.Metrics.paraphraseDegraded()
	}

	results := o.search(ctx, out.Variants, scope)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	groups := make([][]rag.RetrievalMatch, len(out.Variants))
	for i, r := range results {
		v := out.Variants[i]
		switch {
		case r.err != nil:
			out.Failures = append(out.Failures, r.err)
			log.Warn("retrieval: variant failed",
				slog.Int("rank", v.Rank),
				slog.String("origin", string(v.Origin)),
				slog.String("error", r.err.Error()),
			)
		default:
			groups[i] = r.matches
		}
	}

	text, matches := mergeGrouped(out.Variants, groups, o.cfg.MaxContextTokens)
	out.Matches = matches
	out.Sources = sources(matches)

	if len(matches) == 0 {
		out.Fallback = true
		out.Text = o.fallback(ctx, log, scope)
		o.deps.Metrics.fallback()
	} else {
		out.Text = text
	}

	log.Info("retrieval: context assembled",
		slog.Int("variants", len(out.Variants)),
		slog.Int("matches", len(out.Matches)),
		slog.Int("failures", len(out.Failures)),
		slog.Bool("fallback", out.Fallback),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// variants returns the original question followed by the paraphrases.
func (o *Orchestrator) variants(ctx context.Context, log *slog.Logger, question string, scope rag.Scope) ([]rag.QueryVariant, bool) {
	vs := []rag.QueryVariant{{Text: question, Origin: rag.OriginOriginal, Rank: 0}}
	if o.deps.Paraphraser == nil {
		return vs, false
	}

	topics, err := storage.Catalog(ctx, o.deps.Files, scope)
	if err != nil {
		log.Warn("retrieval: topic catalog unavailable", slog.String("error", err.Error()))
	}
	template := ""
	if o.deps.Prompts != nil {
		template = o.deps.Prompts.Get(ctx, prompts.KindParaphrase)
	}

	res := o.deps.Paraphraser.ExpandDetailed(ctx, question, topics, template)
	for i, text := range res.Variants {
		vs = append(vs, rag.QueryVariant{Text: text, Origin: rag.OriginParaphrase, Rank: i + 1})
	}
	if res.Degraded && res.Err != nil {
		log.Debug("retrieval: paraphrase degraded", slog.String("error", res.Err.Error()))
	}
	return vs, res.Degraded
}

// search runs embed+search for every variant concurrently and waits for all
// of them to settle. Results are indexed like variants.
func (o *Orchestrator) search(ctx context.Context, variants []rag.QueryVariant, scope rag.Scope) []variantResult {
	results := make([]variantResult, len(variants))
	var wg sync.WaitGroup
	for i, v := range variants {
		wg.Add(1)
		go func(i int, v rag.QueryVariant) {
			defer wg.Done()
			results[i] = o.runVariant(ctx, v, scope)
		}(i, v)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runVariant(ctx context.Context, v rag.QueryVariant, scope rag.Scope) variantResult {
	vctx, cancel := context.WithTimeout(ctx, o.cfg.VariantTimeout)
	defer cancel()

	done := make(chan variantResult, 1)
	go func() {
		emb, err := o.deps.Embedder.Embed(vctx, v.Text)
		if err != nil {
			var svcErr *rag.EmbeddingServiceError
			if !errors.As(err, &svcErr) {
				err = &rag.EmbeddingServiceError{Op: "embed variant", Err: err}
			}
			done <- variantResult{err: err}
			return
		}
		matches, err := o.deps.Store.Search(vctx, emb, scope, o.cfg.MatchCount, o.cfg.Threshold)
		if err != nil {
			var rErr *rag.RetrievalError
			if !errors.As(err, &rErr) {
				err = &rag.RetrievalError{Backend: "vector store", Err: err}
			}
			done <- variantResult{err: err}
			return
		}
		for i := range matches {
			matches[i].Variant = v
		}
		done <- variantResult{matches: matches}
	}()

	select {
	case r := <-done:
		switch {
		case errors.Is(r.err, rag.ErrEmbeddingUnavailable):
			o.deps.Metrics.variant("embed_error")
		case r.err != nil:
			o.deps.Metrics.variant("search_error")
		case len(r.matches) == 0:
			o.deps.Metrics.variant("miss")
		default:
			o.deps.Metrics.variant("hit")
		}
		return r
	case <-vctx.Done():
		o.deps.Metrics.variant("timeout")
		return variantResult{err: fmt.Errorf("retrieval: variant %d timed out after %s: %w", v.Rank, o.cfg.VariantTimeout, vctx.Err())}
	}
}
