package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/54b3r/casechat/internal/rag"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func newOllamaServer(t *testing.T, status int, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "/api/embed", r.URL.Path)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedder_NormalizesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := newOllamaServer(t, http.StatusOK, `{"embeddings":[[3,4]]}`, nil)
	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text", Dimensions: 2})

	first, err := e.Embed(context.Background(), "tariff provisions")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "tariff provisions")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, norm(first), 1e-6)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, first, 1e-6)
	assert.Equal(t, first, second)
}

func TestOllamaEmbedder_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		dims        int
		wantLimited bool
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"model not found"}`},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":"slow down"}`, wantLimited: true},
		{name: "malformed json", status: http.StatusOK, body: `{"embeddings":`},
		{name: "no vectors", status: http.StatusOK, body: `{"embeddings":[]}`},
		{name: "zero vector", status: http.StatusOK, body: `{"embeddings":[[0,0]]}`},
		{name: "dimension mismatch", status: http.StatusOK, body: `{"embeddings":[[1,2,3]]}`, dims: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newOllamaServer(t, tc.status, tc.body, nil)
			e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "m", Dimensions: tc.dims})

			_, err := e.Embed(context.Background(), "text")
			var svcErr *rag.EmbeddingServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)
			assert.Equal(t, tc.wantLimited, errors.Is(err, rag.ErrRateLimited))
		})
	}
}

func TestOllamaEmbedder_RejectsEmptyInput(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newOllamaServer(t, http.StatusOK, `{"embeddings":[[1]]}`, &calls)
	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "m"})

	_, err := e.Embed(context.Background(), "   \n")
	assert.ErrorIs(t, err, rag.ErrInvalidInput)
	assert.Zero(t, calls.Load())
}

func TestOllamaEmbedder_TruncatesLongInput(t *testing.T) {
	t.Parallel()
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got = req.Input[0]
		_, _ = io.WriteString(w, `{"embeddings":[[1,0]]}`)
	}))
	t.Cleanup(srv.Close)

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "m", MaxInputChars: 5})
	_, err := e.Embed(context.Background(), "§§§§§§§§§§")
	require.NoError(t, err)
	assert.Equal(t, "§§§§§", got)
}

func TestOpenAIEmbedder_RequestShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		azure      bool
		wantPath   string
		wantHeader string
	}{
		{name: "openai", wantPath: "/embeddings", wantHeader: "Authorization"},
		{name: "azure", azure: true, wantPath: "/deployments/emb/embeddings", wantHeader: "api-key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.wantPath, r.URL.Path)
				assert.NotEmpty(t, r.Header.Get(tc.wantHeader))
				var req openaiEmbedRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, []string{"hello"}, req.Input)
				assert.Equal(t, 2, req.Dimensions)
				_, _ = io.WriteString(w, `{"data":[{"embedding":[0,5],"index":0}]}`)
			}))
			t.Cleanup(srv.Close)

			e := NewOpenAIEmbedder(&OpenAIConfig{
				BaseURL: srv.URL, APIKey: "k", Model: "emb", Dimensions: 2,
				Azure: tc.azure, APIVersion: "2025-04-01-preview",
			})
			vec, err := e.Embed(context.Background(), "hello")
			require.NoError(t, err)
			assert.InDeltaSlice(t, []float32{0, 1}, vec, 1e-6)
		})
	}
}

func TestOpenAIEmbedder_RateLimited(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota"}}`)
	}))
	t.Cleanup(srv.Close)

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "emb"})
	_, err := e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, rag.ErrRateLimited)
	assert.Contains(t, err.Error(), "quota")
}

// fakeModels stands in for *genai.Models.
type fakeModels struct {
	resp *genai.EmbedContentResponse
	err  error
	cfg  *genai.EmbedContentConfig
}

func (f *fakeModels) EmbedContent(_ context.Context, _ string, _ []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.cfg = config
	return f.resp, f.err
}

func TestGeminiEmbedder(t *testing.T) {
	t.Parallel()

	ok := &fakeModels{resp: &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{0, 2}}},
	}}
	e := &GeminiEmbedder{models: ok, model: "text-embedding-004", policy: policy{dimensions: 2}}
	vec, err := e.Embed(context.Background(), "tariffs")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1}, vec, 1e-6)
	assert.Equal(t, geminiTaskType, ok.cfg.TaskType)
	require.NotNil(t, ok.cfg.OutputDimensionality)
	assert.EqualValues(t, 2, *ok.cfg.OutputDimensionality)

	empty := &GeminiEmbedder{models: &fakeModels{resp: &genai.EmbedContentResponse{}}, model: "m"}
	_, err = empty.Embed(context.Background(), "tariffs")
	assert.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)

	failing := &GeminiEmbedder{models: &fakeModels{err: errors.New("dial tcp: refused")}, model: "m"}
	_, err = failing.Embed(context.Background(), "tariffs")
	assert.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)
}

// countingEmbedder returns a fixed vector and counts calls.
type countingEmbedder struct {
	calls atomic.Int32
	vec   []float32
}

func (c *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	c.calls.Add(1)
	return append([]float32(nil), c.vec...), nil
}

func (c *countingEmbedder) ModelName() string { return "fake/model" }

func TestWithCache(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{vec: []float32{0.6, 0.8}}
	cached := WithCache(inner, 8, time.Minute)

	a, err := cached.Embed(context.Background(), "same text")
	require.NoError(t, err)
	a[0] = 99 // mutating a result must not poison the cache

	b, err := cached.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, b)
	assert.EqualValues(t, 1, inner.calls.Load())

	_, err = cached.Embed(context.Background(), "other text")
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load())

	assert.Same(t, inner, WithCache(inner, 0, time.Minute))
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()

	for model, want := range map[string]bool{
		"nomic-embed-text":       false,
		"text-embedding-3-small": false,
		"mistral-embed":          false,
		"gpt-4o":                 true,
		"llama3":                 true,
		"mistral-small":          true,
	} {
		assert.Equal(t, want, looksLikeChatModel(model), model)
	}
}

func TestValidateForRAG(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("EMBEDDING_API_KEY", "")
	err := ValidateForRAG(log)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "OPENAI_API_KEY"))

	t.Setenv("EMBEDDING_API_KEY", "sk-test")
	assert.NoError(t, ValidateForRAG(log))

	t.Setenv("EMBEDDING_PROVIDER", "bogus")
	assert.Error(t, ValidateForRAG(log))
}
