// Package prompts resolves the admin-configurable prompts used by the chat
// pipeline, falling back to built-in defaults when nothing is stored or the
// store cannot be read.
package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/store"
)

// Kind names a configurable prompt.
type Kind string

const (
	// KindSystem is the system turn every chat session starts with.
	KindSystem Kind = "system"
	// KindParaphrase is the instruction given to the paraphrase model after
	// the topic list.
	KindParaphrase Kind = "paraphrase"
)

// DefaultSystemPrompt is used until an admin stores a system prompt.
const DefaultSystemPrompt = `You are a legal assistant AI. When a user submits a legal query:
Break the query down into key sub-questions.
Search both:
Documents uploaded by the admin (legal textbooks, policies, precedents)
Documents uploaded by the user (case files, contracts, evidence)
Retrieve relevant content using embeddings or vector search.
Draft a response using:
Extracted content from both sources
Legal reasoning grounded in UK or applicable jurisdictional law
Cite all sources from the documents used.
Structure your reply with:
- Query Breakdown
- Documents Used
- Response
- Next Steps or Legal Risks`

// DefaultParaphraseTemplate follows the topic list in the paraphrase
// system instruction.
const DefaultParaphraseTemplate = `When a user asks a question:
1. Check whether it relates to any of the listed topics.
2. If it does, produce five alternate questions that explicitly mention and stay within that topic's context.
3. If it does not, produce five general paraphrases of the user's question.
Output exactly five lines, one question per line, and nothing else.`

// ParseKind validates a user-supplied prompt kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSystem, KindParaphrase:
		return k, nil
	default:
		return "", fmt.Errorf("prompts: unknown kind %q (want system or paraphrase)", s)
	}
}

// Default returns the built-in prompt for kind.
func Default(kind Kind) string {
	if kind == KindParaphrase {
		return DefaultParaphraseTemplate
	}
	return DefaultSystemPrompt
}

// Provider reads prompts from a store with defaults. A nil store is valid
// and always yields the defaults.
type Provider struct {
	store store.PromptStore
}

// NewProvider returns a Provider backed by s.
func NewProvider(s store.PromptStore) *Provider {
	return &Provider{store: s}
}

// Get returns the newest stored prompt for kind, or the default when none
// is stored, the stored text is blank, or the store fails.
func (p *Provider) Get(ctx context.Context, kind Kind) string {
	if p == nil || p.store == nil {
		return Default(kind)
	}
	text, ok, err := p.store.LatestPrompt(ctx, string(kind))
	if err != nil {
		logging.FromContext(ctx).Warn("prompts: store read failed, using default",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return Default(kind)
	}
	if !ok || strings.TrimSpace(text) == "" {
		return Default(kind)
	}
	return text
}

// Set stores a new revision of the prompt for kind.
func (p *Provider) Set(ctx context.Context, kind Kind, text string) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("prompts: no prompt store configured")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("prompts: %s prompt must not be empty", kind)
	}
	if err := p.store.SetPrompt(ctx, string(kind), text); err != nil {
		return fmt.Errorf("prompts: set %s: %w", kind, err)
	}
	return nil
}

// System is a convenience for session seeding.
func (p *Provider) System(ctx context.Context) string {
	return p.Get(ctx, KindSystem)
}
