// Package generate produces grounded answers from the chat model, either as
// one complete message or as a stream of text fragments. Both modes send the
// same message sequence and share one retry policy.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/casechat/internal/budget"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/provider"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
)

// Request is one answer to produce.
type Request struct {
	// Context is the merged retrieval context or the fallback text.
	Context  string
	Question string
	// History holds prior turns; system turns in it are ignored.
	History []session.Turn
	// SystemPrompt opens the message sequence.
	SystemPrompt string
}

// Options tunes the generator. Zero values select the defaults.
type Options struct {
	Temperature      float32
	MaxTokens        int
	MaxContextTokens int
	Retry            RetryPolicy
}

// Generator calls the chat model under a retry policy.
type Generator struct {
	model model.BaseChatModel
	opts  Options
}

// New returns a Generator.
func New(m model.BaseChatModel, opts Options) *Generator {
	if opts.Temperature == 0 {
		opts.Temperature = provider.DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = provider.DefaultMaxTokens
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		r := DefaultRetryPolicy()
		r.Sleep, r.OnRetry = opts.Retry.Sleep, opts.Retry.OnRetry
		opts.Retry = r
	}
	return &Generator{model: m, opts: opts}
}

// UserContent renders the final user turn.
func UserContent(contextText, question string) string {
	return "Context:\n" + contextText + "\n\nQuestion: " + question
}

// Messages builds [system, history excluding system, user]. History is
// trimmed oldest-first to fit the context budget.
func (g *Generator) Messages(req Request) []*schema.Message {
	system := schema.SystemMessage(req.SystemPrompt)
	user := schema.UserMessage(UserContent(req.Context, req.Question))

	history := make([]*schema.Message, 0, len(req.History))
	for _, t := range req.History {
		switch t.Role {
		case session.RoleUser:
			history = append(history, schema.UserMessage(t.Content))
		case session.RoleAssistant:
			if t.Content == "" {
				continue
			}
			history = append(history, schema.AssistantMessage(t.Content, nil))
		}
	}
	history = budget.TrimHistory([]*schema.Message{system, user}, history, g.opts.MaxContextTokens)

	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, system)
	msgs = append(msgs, history...)
	return append(msgs, user)
}

func (g *Generator) callOptions() []model.Option {
	return []model.Option{
		model.WithTemperature(g.opts.Temperature),
		model.WithMaxTokens(g.opts.MaxTokens),
	}
}

// Generate returns the complete answer.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	msgs := g.Messages(req)
	start := time.Now()

	var resp *schema.Message
	attempts, err := g.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = g.model.Generate(ctx, msgs, g.callOptions()...)
		return err
	})
	if err != nil {
		return "", &rag.GenerationError{Attempts: attempts, Err: err}
	}
	if resp == nil {
		return "", &rag.GenerationError{Attempts: attempts, Err: fmt.Errorf("model returned no message")}
	}

	logging.FromContext(ctx).Debug("generate: complete",
		slog.Int("attempts", attempts),
		slog.Int("messages", len(msgs)),
		slog.Duration("duration", time.Since(start)),
	)
	return resp.Content, nil
}

// Stream opens a streaming answer. Retries apply to opening the stream only;
// once fragments flow, a failure ends the stream.
func (g *Generator) Stream(ctx context.Context, req Request) (*Stream, error) {
	msgs := g.Messages(req)

	var sr *schema.StreamReader[*schema.Message]
	attempts, err := g.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		sr, err = g.model.Stream(ctx, msgs, g.callOptions()...)
		return err
	})
	if err != nil {
		return nil, &rag.GenerationError{Attempts: attempts, Err: err}
	}
	return &Stream{sr: sr, attempts: attempts, log: logging.FromContext(ctx)}, nil
}
