package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
)

// scriptedModel fails the first len(errs) calls with the given errors, then
// answers with fragments (streamed) or their concatenation (single-shot).
type scriptedModel struct {
	mu        sync.Mutex
	errs      []error
	fragments []string
	calls     int
	lastMsgs  []*schema.Message
}

func (m *scriptedModel) next(msgs []*schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsgs = msgs
	m.calls++
	if m.calls <= len(m.errs) {
		return m.errs[m.calls-1]
	}
	return nil
}

func (m *scriptedModel) Generate(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if err := m.next(msgs); err != nil {
		return nil, err
	}
	return schema.AssistantMessage(strings.Join(m.fragments, ""), nil), nil
}

func (m *scriptedModel) Stream(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := m.next(msgs); err != nil {
		return nil, err
	}
	chunks := make([]*schema.Message, 0, len(m.fragments))
	for _, f := range m.fragments {
		chunks = append(chunks, schema.AssistantMessage(f, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

// fakeSleeper records requested delays without waiting.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	return nil
}

func newTestGenerator(m model.BaseChatModel, s *fakeSleeper) *Generator {
	return New(m, Options{Retry: RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Sleep: s.Sleep}})
}

func drain(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var b strings.Builder
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}

func TestGenerator_StreamMatchesSingleShot(t *testing.T) {
	t.Parallel()
	m := &scriptedModel{fragments: []string{"The ", "tariff ", "is ", "25%."}}
	g := newTestGenerator(m, &fakeSleeper{})
	req := Request{Context: "From a.pdf: tariff 25%", Question: "What is the tariff?", SystemPrompt: "sys"}

	single, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	s, err := g.Stream(context.Background(), req)
	require.NoError(t, err)
	streamed, err := drain(t, s)
	require.NoError(t, err)

	assert.Equal(t, "The tariff is 25%.", single)
	assert.Equal(t, single, streamed)
}

func TestGenerator_RetriesRateLimitWithBackoff(t *testing.T) {
	t.Parallel()
	limited := fmt.Errorf("openai: %w", rag.ErrRateLimited)
	m := &scriptedModel{errs: []error{limited, errors.New("HTTP 429 Too Many Requests")}, fragments: []string{"ok"}}
	sleeper := &fakeSleeper{}
	g := newTestGenerator(m, sleeper)

	got, err := g.Generate(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, m.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestGenerator_GivesUpAfterFourAttempts(t *testing.T) {
	t.Parallel()
	limited := fmt.Errorf("status 429: %w", rag.ErrRateLimited)
	m := &scriptedModel{errs: []error{limited, limited, limited, limited, limited}}
	sleeper := &fakeSleeper{}
	g := newTestGenerator(m, sleeper)

	_, err := g.Stream(context.Background(), Request{Question: "q"})
	var genErr *rag.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 4, genErr.Attempts)
	assert.ErrorIs(t, err, rag.ErrGeneration)
	assert.Equal(t, 4, m.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestGenerator_NonRateLimitFailsImmediately(t *testing.T) {
	t.Parallel()
	m := &scriptedModel{errs: []error{errors.New("HTTP 401 unauthorized")}}
	sleeper := &fakeSleeper{}
	g := newTestGenerator(m, sleeper)

	_, err := g.Generate(context.Background(), Request{Question: "q"})
	var genErr *rag.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 1, genErr.Attempts)
	assert.Empty(t, sleeper.delays)
}

func TestRetryPolicy_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour}
	attempts, err := p.Do(ctx, func(context.Context) error { return rag.ErrRateLimited })
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, rag.ErrRateLimited)
}

func TestIsRateLimited(t *testing.T) {
	t.Parallel()
	for err, want := range map[error]bool{
		nil:                                                 false,
		rag.ErrRateLimited:                                  true,
		errors.New("rate limit exceeded"):                   true,
		errors.New("Too Many Requests"):                     true,
		errors.New("error, status code: 429"):               true,
		errors.New("HTTP 429"):                              true,
		fmt.Errorf("openai: %w", errors.New("status: 429")): true,
		errors.New("context deadline exceeded"):             false,
		errors.New("request 4291-aa failed"):                false,
		errors.New("read 429 bytes: unexpected EOF"):        false,
		errors.New("status 500, request id req_429"):        false,
	} {
		assert.Equal(t, want, IsRateLimited(err), fmt.Sprint(err))
	}
}

func TestStream_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()
	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("Hello", nil), nil)
		sw.Send(nil, fmt.Errorf("decode: %w", rag.ErrMalformedFrame))
		sw.Send(nil, &json.SyntaxError{Offset: 3})
		sw.Send(nil, nil)
		sw.Send(schema.AssistantMessage("", nil), nil)
		sw.Send(schema.AssistantMessage(" world", nil), nil)
	}()

	s := &Stream{sr: sr, attempts: 1, log: discardLogger()}
	got, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)
	assert.Equal(t, 4, s.Skipped)
}

func TestStream_TransportErrorEndsStream(t *testing.T) {
	t.Parallel()
	sr, sw := schema.Pipe[*schema.Message](4)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("partial", nil), nil)
		sw.Send(nil, errors.New("connection reset by peer"))
		sw.Send(schema.AssistantMessage("never", nil), nil)
	}()

	s := &Stream{sr: sr, attempts: 2, log: discardLogger()}
	got, err := drain(t, s)
	assert.Equal(t, "partial", got)
	var genErr *rag.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 2, genErr.Attempts)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_CloseDetaches(t *testing.T) {
	t.Parallel()
	m := &scriptedModel{fragments: []string{"a", "b", "c"}}
	s, err := newTestGenerator(m, &fakeSleeper{}).Stream(context.Background(), Request{Question: "q"})
	require.NoError(t, err)

	first, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", first)
	s.Close()
	s.Close()
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGenerator_Messages(t *testing.T) {
	t.Parallel()
	g := New(&scriptedModel{}, Options{})
	history := []session.Turn{
		{Role: session.RoleSystem, Content: "old system"},
		{Role: session.RoleAssistant, Content: "Hello! How can I help you today?"},
		{Role: session.RoleUser, Content: "first"},
		{Role: session.RoleAssistant, Content: ""},
	}
	msgs := g.Messages(Request{Context: "CTX", Question: "Q", History: history, SystemPrompt: "sys"})

	require.Len(t, msgs, 4)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
	assert.Equal(t, "first", msgs[2].Content)
	assert.Equal(t, schema.User, msgs[3].Role)
	assert.Equal(t, "Context:\nCTX\n\nQuestion: Q", msgs[3].Content)
}

func TestGenerator_MessagesTrimOldestHistory(t *testing.T) {
	t.Parallel()
	g := New(&scriptedModel{}, Options{MaxContextTokens: 40})
	history := []session.Turn{
		{Role: session.RoleUser, Content: strings.Repeat("x", 200)},
		{Role: session.RoleUser, Content: "recent"},
	}
	msgs := g.Messages(Request{Context: "c", Question: "q", History: history, SystemPrompt: "s"})

	require.Len(t, msgs, 3)
	assert.Equal(t, "recent", msgs[1].Content)
}
