// Package paraphrase widens retrieval recall by asking the chat model for
// alternate phrasings of a question, anchored to the documents the user can
// search. Failures never block a chat turn: the expander degrades to fewer
// (or zero) variants and the caller searches with the original question.
package paraphrase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/prompts"
	"github.com/54b3r/casechat/internal/rag"
)

// MaxVariants caps the number of paraphrases returned.
const MaxVariants = 5

const (
	// DefaultTemperature favours varied phrasings.
	DefaultTemperature float32 = 0.8
	// DefaultMaxTokens is enough for five one-line questions.
	DefaultMaxTokens = 250
)

const instructionHeader = "You are an intelligent assistant specialized in generating alternate question phrasings."

// listMarker matches leading enumeration such as "1.", "2)", "-", "*" or "•".
var listMarker = regexp.MustCompile(`^\s*(?:\(?\d{1,2}[.):]|[-*•])\s*`)

// Options tunes the paraphrase call.
type Options struct {
	Temperature float32
	MaxTokens   int
}

// Result is the detailed outcome of an expansion.
type Result struct {
	// Variants holds at most MaxVariants non-empty paraphrases.
	Variants []string
	// Degraded is true when fewer than MaxVariants were produced.
	Degraded bool
	// Err is the cause of degradation. It wraps rag.ErrParaphraseDegraded.
	Err error
}

// Expander generates paraphrases with a chat model.
type Expander struct {
	model model.BaseChatModel
	opts  Options
}

// New returns an Expander. Zero options select the defaults.
func New(m model.BaseChatModel, opts Options) *Expander {
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Expander{model: m, opts: opts}
}

// Expand returns up to MaxVariants paraphrases of question. It never fails:
// any upstream problem yields an empty slice.
func (e *Expander) Expand(ctx context.Context, question string, topics []string, template string) []string {
	return e.ExpandDetailed(ctx, question, topics, template).Variants
}

// ExpandDetailed is Expand with the degradation cause exposed.
func (e *Expander) ExpandDetailed(ctx context.Context, question string, topics []string, template string) Result {
	log := logging.FromContext(ctx)

	if strings.TrimSpace(question) == "" {
		return degraded(nil, fmt.Errorf("%w: empty question", rag.ErrInvalidInput))
	}

	msgs := []*schema.Message{
		schema.SystemMessage(BuildInstruction(topics, template)),
		schema.UserMessage(question),
	}
	resp, err := e.model.Generate(ctx, msgs,
		model.WithTemperature(e.opts.Temperature),
		model.WithMaxTokens(e.opts.MaxTokens),
	)
	if err != nil {
		res := degraded(nil, err)
		log.Warn("paraphrase: generation failed, continuing with original question",
			slog.String("error", err.Error()),
		)
		return res
	}
	if resp == nil {
		return degraded(nil, errors.New("empty response"))
	}

	variants := ParseVariants(resp.Content)
	if len(variants) < MaxVariants {
		res := degraded(variants, fmt.Errorf("model returned %d of %d variants", len(variants), MaxVariants))
		log.Info("paraphrase: degraded",
			slog.Int("variants", len(variants)),
		)
		return res
	}
	return Result{Variants: variants}
}

func degraded(variants []string, cause error) Result {
	if variants == nil {
		variants = []string{}
	}
	return Result{
		Variants: variants,
		Degraded: true,
		Err:      fmt.Errorf("%w: %w", rag.ErrParaphraseDegraded, cause),
	}
}

// BuildInstruction renders the system instruction: the fixed header, the
// enumerated topic catalog, then the template (or the default template).
func BuildInstruction(topics []string, template string) string {
	if strings.TrimSpace(template) == "" {
		template = prompts.DefaultParaphraseTemplate
	}
	var b strings.Builder
	b.WriteString(instructionHeader)
	if len(topics) > 0 {
		b.WriteString(" You know about these topics:\n")
		for _, t := range topics {
			b.WriteString("• ")
			b.WriteString(t)
			b.WriteByte('\n')
		}
	} else {
		b.WriteString(" No topics are currently available.\n")
	}
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(template))
	return b.String()
}

// ParseVariants splits model output into paraphrases: one per line, trimmed,
// list markers stripped, blanks and duplicates dropped, capped at MaxVariants.
func ParseVariants(text string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		v := strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		v = strings.Trim(v, `"`)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
		if len(out) == MaxVariants {
			break
		}
	}
	return out
}
