// Package agent answers a question about a case end to end: it records the
// question in the session, assembles the retrieval context, and produces the
// answer either in one piece or as a stream that writes itself into the
// session as it arrives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/casechat/internal/generate"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/retrieval"
	"github.com/54b3r/casechat/internal/session"
)

// Apology is the assistant turn appended when the answer could not be produced.
const Apology = "I'm sorry, I encountered an error. Please try again later."

// Retriever builds the grounding context. *retrieval.Orchestrator satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, question string, scope rag.Scope, history []session.Turn) (*retrieval.Context, error)
}

// Generator produces the answer. *generate.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (string, error)
	Stream(ctx context.Context, req generate.Request) (*generate.Stream, error)
}

// Persister records completed turns. *session.Manager satisfies it.
type Persister interface {
	Persist(ctx context.Context, sessionID string, role session.Role, content string)
}

// Deps are the collaborators of a CaseAgent. Sessions and Metrics may be nil.
type Deps struct {
	Retriever Retriever
	Generator Generator
	Sessions  Persister
	Metrics   *Metrics
}

// Result is the outcome of one question.
type Result struct {
	// Text is the complete answer in single-shot mode, or the apology when
	// the answer failed before any fragment was produced.
	Text string
	// Stream is set in streaming mode when the model accepted the request.
	// The caller must drain or Close it.
	Stream *AnswerStream
	// Sources attributes the chunks the answer was grounded on.
	Sources []rag.Source
	// Fallback is true when no chunk matched and the context was a file listing.
	Fallback bool
	// SearchUnavailable is true when every variant failed to embed.
	SearchUnavailable bool
	// ParaphraseDegraded is true when fewer than five paraphrases were used.
	ParaphraseDegraded bool
	// Err carries the generation failure behind an apology. The apology has
	// already been appended to the session.
	Err error
}

// CaseAgent runs the question answering flow.
type CaseAgent struct {
	retriever Retriever
	generator Generator
	sessions  Persister
	metrics   *Metrics
}

// New constructs a CaseAgent.
func New(deps Deps) (*CaseAgent, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("agent: Retriever must not be nil")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("agent: Generator must not be nil")
	}
	return &CaseAgent{
		retriever: deps.Retriever,
		generator: deps.Generator,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
	}, nil
}

// Answer appends question to sess as a user turn and answers it within scope.
//
// In single-shot mode the assistant turn is appended before Answer returns.
// In streaming mode the returned Result.Stream appends fragments to one
// in-progress assistant turn as the caller receives them. A generation
// failure is not an error: the apology turn is appended and the cause is
// reported in Result.Err. Errors are returned for invalid input and for a
// cancelled request only.
func (a *CaseAgent) Answer(ctx context.Context, question string, scope rag.Scope, sess *session.Session, stream bool) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("agent: %w: empty question", rag.ErrInvalidInput)
	}
	if sess == nil {
		return nil, fmt.Errorf("agent: %w: nil session", rag.ErrInvalidInput)
	}

	mode := modeSingle
	if stream {
		mode = modeStream
	}
	// Callers tag the logger with session_id.
	log := logging.FromContext(ctx).With(
		slog.String("scope", string(scope)),
		slog.String("mode", mode),
	)
	ctx = logging.WithLogger(ctx, log)
	start := time.Now()

	history := sess.HistoryExcludingSystem()
	sess.AppendUser(question)
	a.persist(ctx, sess, session.RoleUser, question)

	rc, err := a.retriever.Retrieve(ctx, question, scope, history)
	if err != nil {
		a.metrics.answer(mode, outcomeError, time.Since(start))
		return nil, fmt.Errorf("agent: retrieve: %w", err)
	}

	res := &Result{
		Sources:            rc.Sources,
		Fallback:           rc.Fallback,
		SearchUnavailable:  rc.AllEmbeddingsFailed(),
		ParaphraseDegraded: rc.ParaphraseDegraded,
	}
	if res.SearchUnavailable {
		log.Warn("agent: search unavailable, answering from fallback context",
			slog.Int("failures", len(rc.Failures)),
		)
	}

	req := generate.Request{
		Context:      rc.Text,
		Question:     question,
		History:      history,
		SystemPrompt: sess.SystemPrompt(),
	}

	if !stream {
		text, err := a.generator.Generate(ctx, req)
		if err != nil {
			a.apologize(ctx, sess, res, err)
			a.metrics.answer(mode, outcomeApology, time.Since(start))
			return res, nil
		}
		sess.AppendAssistant(text)
		a.persist(ctx, sess, session.RoleAssistant, text)
		res.Text = text
		a.metrics.answer(mode, outcomeOK, time.Since(start))
		log.Info("agent: answered",
			slog.Int("sources", len(res.Sources)),
			slog.Bool("fallback", res.Fallback),
			slog.Duration("duration", time.Since(start)),
		)
		return res, nil
	}

	st, err := a.generator.Stream(ctx, req)
	if err != nil {
		a.apologize(ctx, sess, res, err)
		a.metrics.answer(mode, outcomeApology, time.Since(start))
		return res, nil
	}
	res.Stream = &AnswerStream{
		agent:  a,
		ctx:    ctx,
		sess:   sess,
		stream: st,
		writer: sess.BeginAssistant(),
		start:  start,
		log:    log,
	}
	return res, nil
}

// apologize appends the apology turn and records err on res.
func (a *CaseAgent) apologize(ctx context.Context, sess *session.Session, res *Result, err error) {
	var genErr *rag.GenerationError
	attempts := 0
	if errors.As(err, &genErr) {
		attempts = genErr.Attempts
	}
	logging.FromContext(ctx).Error("agent: generation failed",
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	sess.AppendAssistant(Apology)
	a.persist(ctx, sess, session.RoleAssistant, Apology)
	res.Text = Apology
	res.Err = err
}

// persistTimeout bounds one history write once the request is gone.
const persistTimeout = 5 * time.Second

// persist records a turn already in the session. The write outlives the
// request so a disconnect or timeout still saves the truncated answer.
func (a *CaseAgent) persist(ctx context.Context, sess *session.Session, role session.Role, content string) {
	if a.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	a.sessions.Persist(ctx, sess.ID(), role, content)
}
