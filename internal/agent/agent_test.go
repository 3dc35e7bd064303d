package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/casechat/internal/generate"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/retrieval"
	"github.com/54b3r/casechat/internal/session"
	"github.com/54b3r/casechat/internal/store"
)

// fakeModel answers with fragments. openErr fails every call; midErr is
// sent after the first fragment of a stream.
type fakeModel struct {
	fragments []string
	openErr   error
	midErr    error
}

func (m *fakeModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return schema.AssistantMessage(strings.Join(m.fragments, ""), nil), nil
}

func (m *fakeModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(m.fragments) + 1)
	go func() {
		defer sw.Close()
		for i, f := range m.fragments {
			sw.Send(schema.AssistantMessage(f, nil), nil)
			if i == 0 && m.midErr != nil {
				sw.Send(nil, m.midErr)
				return
			}
		}
	}()
	return sr, nil
}

type fakeRetriever struct {
	rc      *retrieval.Context
	err     error
	history []session.Turn
	calls   int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ rag.Scope, history []session.Turn) (*retrieval.Context, error) {
	f.calls++
	f.history = history
	if f.err != nil {
		return nil, f.err
	}
	return f.rc, nil
}

type persisted struct {
	role    session.Role
	content string
}

type fakePersister struct {
	mu    sync.Mutex
	turns []persisted
}

func (f *fakePersister) Persist(_ context.Context, _ string, role session.Role, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, persisted{role, content})
}

func tariffContext() *retrieval.Context {
	return &retrieval.Context{
		Text: "What is the tariff?\nFrom contract.pdf: The tariff is 4%.",
		Sources: []rag.Source{
			{Filename: "contract.pdf", Scope: rag.CaseScope("42"), ChunkID: "c1", Score: 0.91, Variant: "What is the tariff?"},
		},
		Variants: []rag.QueryVariant{{Text: "What is the tariff?", Origin: rag.OriginOriginal}},
	}
}

func newTestAgent(t *testing.T, m model.BaseChatModel, r Retriever) (*CaseAgent, *fakePersister, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := &fakePersister{}
	gen := generate.New(m, generate.Options{Retry: generate.RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Sleep:      func(context.Context, time.Duration) error { return nil },
		OnRetry:    metrics.RetryHook(),
	}})
	a, err := New(Deps{Retriever: r, Generator: gen, Sessions: p, Metrics: metrics})
	require.NoError(t, err)
	return a, p, reg
}

func roles(turns []session.Turn) []session.Role {
	out := make([]session.Role, len(turns))
	for i, tr := range turns {
		out[i] = tr.Role
	}
	return out
}

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestAnswer_SingleShot(t *testing.T) {
	t.Parallel()
	r := &fakeRetriever{rc: tariffContext()}
	a, p, reg := newTestAgent(t, &fakeModel{fragments: []string{"The tariff ", "is 4%."}}, r)
	sess := session.New("s1", "You are a legal assistant.")

	res, err := a.Answer(context.Background(), "  What is the tariff?  ", rag.CaseScope("42"), sess, false)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Nil(t, res.Stream)
	assert.Equal(t, "The tariff is 4%.", res.Text)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "contract.pdf", res.Sources[0].Filename)

	turns := sess.Turns()
	assert.Equal(t, []session.Role{session.RoleSystem, session.RoleUser, session.RoleAssistant}, roles(turns))
	assert.Equal(t, "What is the tariff?", turns[1].Content)
	assert.Equal(t, "The tariff is 4%.", turns[2].Content)

	assert.Equal(t, []persisted{
		{session.RoleUser, "What is the tariff?"},
		{session.RoleAssistant, "The tariff is 4%."},
	}, p.turns)
	assert.Equal(t, 1.0, counter(t, reg, "casechat_agent_answers_total", map[string]string{"mode": "single", "outcome": "ok"}))
}

func TestAnswer_StreamWritesSessionAsItGoes(t *testing.T) {
	t.Parallel()
	a, p, _ := newTestAgent(t, &fakeModel{fragments: []string{"The ", "tariff ", "is 4%."}}, &fakeRetriever{rc: tariffContext()})
	sess := session.New("s1", "sys")

	res, err := a.Answer(context.Background(), "What is the tariff?", rag.CaseScope("42"), sess, true)
	require.NoError(t, err)
	require.NotNil(t, res.Stream)

	frag, err := res.Stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "The ", frag)
	assert.True(t, sess.InProgress())
	assert.Equal(t, "The ", sess.Turns()[2].Content)

	var b strings.Builder
	b.WriteString(frag)
	for {
		frag, err := res.Stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b.WriteString(frag)
	}
	assert.Equal(t, "The tariff is 4%.", b.String())
	assert.False(t, sess.InProgress())
	assert.Equal(t, "The tariff is 4%.", sess.Turns()[2].Content)
	assert.NoError(t, res.Stream.Err())

	require.Len(t, p.turns, 2)
	assert.Equal(t, persisted{session.RoleAssistant, "The tariff is 4%."}, p.turns[1])
}

func TestAnswer_GenerationFailureAppendsApology(t *testing.T) {
	t.Parallel()
	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			t.Parallel()
			a, _, reg := newTestAgent(t, &fakeModel{openErr: errors.New("upstream 500")}, &fakeRetriever{rc: tariffContext()})
			sess := session.New("s1", "sys")

			res, err := a.Answer(context.Background(), "q", rag.NoScope, sess, stream)
			require.NoError(t, err)
			assert.Nil(t, res.Stream)
			assert.Equal(t, Apology, res.Text)
			assert.ErrorIs(t, res.Err, rag.ErrGeneration)

			turns := sess.Turns()
			require.Len(t, turns, 3)
			assert.Equal(t, Apology, turns[2].Content)
			assert.Equal(t, 1.0, counter(t, reg, "casechat_agent_answers_total", map[string]string{"outcome": "apology"}))
		})
	}
}

func TestAnswer_RateLimitRetriesAreCounted(t *testing.T) {
	t.Parallel()
	a, _, reg := newTestAgent(t, &fakeModel{openErr: fmt.Errorf("status 429: %w", rag.ErrRateLimited)}, &fakeRetriever{rc: tariffContext()})

	res, err := a.Answer(context.Background(), "q", rag.NoScope, session.New("s1", "sys"), false)
	require.NoError(t, err)
	var genErr *rag.GenerationError
	require.ErrorAs(t, res.Err, &genErr)
	assert.Equal(t, 4, genErr.Attempts)
	assert.Equal(t, 3.0, counter(t, reg, "casechat_generation_retries_total", nil))
}

func TestAnswer_MidStreamFailureKeepsPartialThenApologizes(t *testing.T) {
	t.Parallel()
	m := &fakeModel{fragments: []string{"Partial", " never"}, midErr: errors.New("connection reset by peer")}
	a, p, _ := newTestAgent(t, m, &fakeRetriever{rc: tariffContext()})
	sess := session.New("s1", "sys")

	res, err := a.Answer(context.Background(), "q", rag.NoScope, sess, true)
	require.NoError(t, err)

	frag, err := res.Stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Partial", frag)

	_, err = res.Stream.Recv()
	require.ErrorIs(t, err, rag.ErrGeneration)
	assert.ErrorIs(t, res.Stream.Err(), rag.ErrGeneration)

	turns := sess.Turns()
	assert.Equal(t, []session.Role{session.RoleSystem, session.RoleUser, session.RoleAssistant, session.RoleAssistant}, roles(turns))
	assert.Equal(t, "Partial", turns[2].Content)
	assert.Equal(t, Apology, turns[3].Content)
	assert.False(t, sess.InProgress())

	assert.Equal(t, []persisted{
		{session.RoleUser, "q"},
		{session.RoleAssistant, "Partial"},
		{session.RoleAssistant, Apology},
	}, p.turns)
}

func TestAnswer_NewQuestionDetachesPreviousStream(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAgent(t, &fakeModel{fragments: []string{"a", "b", "c"}}, &fakeRetriever{rc: tariffContext()})
	sess := session.New("s1", "sys")

	res, err := a.Answer(context.Background(), "first", rag.NoScope, sess, true)
	require.NoError(t, err)
	_, err = res.Stream.Recv()
	require.NoError(t, err)

	sess.AppendUser("second")

	_, err = res.Stream.Recv()
	assert.ErrorIs(t, err, io.EOF)

	turns := sess.Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, "a", turns[2].Content)
	assert.Equal(t, "second", turns[3].Content)
}

func TestAnswer_CloseKeepsTruncatedTurn(t *testing.T) {
	t.Parallel()
	a, p, _ := newTestAgent(t, &fakeModel{fragments: []string{"a", "b", "c"}}, &fakeRetriever{rc: tariffContext()})
	sess := session.New("s1", "sys")

	res, err := a.Answer(context.Background(), "q", rag.NoScope, sess, true)
	require.NoError(t, err)
	_, err = res.Stream.Recv()
	require.NoError(t, err)
	res.Stream.Close()
	res.Stream.Close()

	assert.False(t, sess.InProgress())
	assert.Equal(t, "a", sess.Turns()[2].Content)
	require.Len(t, p.turns, 2)
	assert.Equal(t, "a", p.turns[1].content)
}

func TestAnswer_CancelledRequestStillPersistsTruncatedTurn(t *testing.T) {
	t.Parallel()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := session.NewManager(nil, session.ManagerOptions{History: st})
	gen := generate.New(&fakeModel{fragments: []string{"The tariff", " is 4%."}}, generate.Options{})
	a, err := New(Deps{Retriever: &fakeRetriever{rc: tariffContext()}, Generator: gen, Sessions: mgr})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := mgr.Get(ctx, "")
	require.NoError(t, err)

	res, err := a.Answer(ctx, "What is the tariff?", rag.NoScope, sess, true)
	require.NoError(t, err)
	frag, err := res.Stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "The tariff", frag)

	// The client disconnects before the rest of the answer arrives.
	cancel()
	res.Stream.Close()

	msgs, err := st.Recent(context.Background(), sess.ID(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "The tariff", msgs[1].Content)
}

func TestAnswer_FailureAfterRequestEndedSkipsApology(t *testing.T) {
	t.Parallel()
	m := &fakeModel{fragments: []string{"Partial", " never"}, midErr: context.DeadlineExceeded}
	a, p, reg := newTestAgent(t, m, &fakeRetriever{rc: tariffContext()})
	sess := session.New("s1", "sys")

	ctx, cancel := context.WithCancel(context.Background())
	res, err := a.Answer(ctx, "q", rag.NoScope, sess, true)
	require.NoError(t, err)
	_, err = res.Stream.Recv()
	require.NoError(t, err)

	cancel()
	_, err = res.Stream.Recv()
	require.ErrorIs(t, err, rag.ErrGeneration)

	turns := sess.Turns()
	assert.Equal(t, []session.Role{session.RoleSystem, session.RoleUser, session.RoleAssistant}, roles(turns))
	assert.Equal(t, "Partial", turns[2].Content)
	assert.Equal(t, []persisted{
		{session.RoleUser, "q"},
		{session.RoleAssistant, "Partial"},
	}, p.turns)
	assert.Equal(t, 1.0, counter(t, reg, "casechat_agent_answers_total", map[string]string{"mode": "stream", "outcome": "error"}))
}

func TestAnswer_HistoryExcludesSystemAndCurrentQuestion(t *testing.T) {
	t.Parallel()
	r := &fakeRetriever{rc: tariffContext()}
	a, _, _ := newTestAgent(t, &fakeModel{fragments: []string{"ok"}}, r)
	sess := session.New("s1", "sys")
	sess.AppendAssistant("Hello!")
	sess.AppendUser("earlier")
	sess.AppendAssistant("earlier answer")

	_, err := a.Answer(context.Background(), "now", rag.NoScope, sess, false)
	require.NoError(t, err)

	require.Len(t, r.history, 3)
	assert.Equal(t, "Hello!", r.history[0].Content)
	assert.Equal(t, "earlier answer", r.history[2].Content)
}

func TestAnswer_FlagsFromRetrieval(t *testing.T) {
	t.Parallel()
	embedErr := &rag.EmbeddingServiceError{Op: "embed", Err: errors.New("down")}
	rc := &retrieval.Context{
		Text:               "No relevant documents found. Available files: none",
		Variants:           []rag.QueryVariant{{Text: "q", Origin: rag.OriginOriginal}},
		Failures:           []error{embedErr},
		Fallback:           true,
		ParaphraseDegraded: true,
	}
	a, _, _ := newTestAgent(t, &fakeModel{fragments: []string{"ok"}}, &fakeRetriever{rc: rc})

	res, err := a.Answer(context.Background(), "q", rag.NoScope, session.New("s1", "sys"), false)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, res.SearchUnavailable)
	assert.True(t, res.ParaphraseDegraded)
	assert.Empty(t, res.Sources)
}

func TestAnswer_InvalidInput(t *testing.T) {
	t.Parallel()
	r := &fakeRetriever{rc: tariffContext()}
	a, p, _ := newTestAgent(t, &fakeModel{fragments: []string{"ok"}}, r)
	sess := session.New("s1", "sys")

	_, err := a.Answer(context.Background(), "   ", rag.NoScope, sess, false)
	require.ErrorIs(t, err, rag.ErrInvalidInput)
	_, err = a.Answer(context.Background(), "q", rag.NoScope, nil, false)
	require.ErrorIs(t, err, rag.ErrInvalidInput)

	assert.Len(t, sess.Turns(), 1)
	assert.Zero(t, r.calls)
	assert.Empty(t, p.turns)
}

func TestAnswer_RetrievalErrorIsReturned(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAgent(t, &fakeModel{fragments: []string{"ok"}}, &fakeRetriever{err: context.Canceled})

	_, err := a.Answer(context.Background(), "q", rag.NoScope, session.New("s1", "sys"), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Retriever: &fakeRetriever{}})
	assert.Error(t, err)
}
