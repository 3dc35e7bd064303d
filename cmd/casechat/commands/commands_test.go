package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/casechat/internal/agent"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/server"
	"github.com/54b3r/casechat/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRetrievalConfigFromEnv(t *testing.T) {
	t.Setenv("RAG_MATCH_COUNT", "7")
	t.Setenv("RAG_THRESHOLD", "0.65")
	t.Setenv("RAG_VARIANT_TIMEOUT", "3s")
	t.Setenv("RAG_MAX_CONTEXT_TOKENS", "not-a-number")

	cfg := retrievalConfigFromEnv()
	assert.Equal(t, 7, cfg.MatchCount)
	assert.InDelta(t, 0.65, cfg.Threshold, 1e-6)
	assert.Equal(t, 3*time.Second, cfg.VariantTimeout)
	assert.Zero(t, cfg.MaxContextTokens, "unparseable values fall back")
}

func TestScopeFromFlag(t *testing.T) {
	t.Parallel()

	scope, err := scopeFromFlag("")
	require.NoError(t, err)
	assert.Equal(t, rag.AdminScope, scope)

	scope, err = scopeFromFlag("42")
	require.NoError(t, err)
	assert.Equal(t, rag.CaseScope("42"), scope)

	_, err = scopeFromFlag("../etc")
	assert.ErrorIs(t, err, rag.ErrInvalidInput)
}

func TestOpenVectorStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		t.Setenv("VECTOR_BACKEND", "memory")
		vs, pinger, err := openVectorStore(context.Background(), discardLogger(), 4)
		require.NoError(t, err)
		assert.IsType(t, &rag.MemoryStore{}, vs)
		assert.Nil(t, pinger)
	})
	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("VECTOR_BACKEND", "postgres")
		t.Setenv("POSTGRES_DSN", "")
		_, _, err := openVectorStore(context.Background(), discardLogger(), 4)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "POSTGRES_DSN")
	})
	t.Run("unknown", func(t *testing.T) {
		t.Setenv("VECTOR_BACKEND", "pinecone")
		_, _, err := openVectorStore(context.Background(), discardLogger(), 4)
		require.Error(t, err)
	})
}

func TestOpenHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		t.Setenv("CASECHAT_HISTORY_DB", historyDisabled)
		hs, err := openHistory(discardLogger())
		require.NoError(t, err)
		assert.Nil(t, hs)
		assert.NotEmpty(t, promptProvider(hs).System(context.Background()))
	})
	t.Run("file", func(t *testing.T) {
		t.Setenv("CASECHAT_HISTORY_DB", filepath.Join(t.TempDir(), "casechat.db"))
		hs, err := openHistory(discardLogger())
		require.NoError(t, err)
		require.NotNil(t, hs)
		t.Cleanup(func() { _ = hs.Close() })
		require.NoError(t, hs.Ping(context.Background()))
	})
}

func TestPromptText(t *testing.T) {
	t.Parallel()

	got, err := promptText(nil, []string{"be concise"}, "")
	require.NoError(t, err)
	assert.Equal(t, "be concise", got)

	got, err = promptText(strings.NewReader("  from stdin \n"), nil, "-")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	_, err = promptText(nil, []string{"x"}, "file.txt")
	assert.Error(t, err)

	_, err = promptText(nil, nil, "")
	assert.Error(t, err)
}

func TestPrintFiles(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printFiles(&buf, rag.AdminScope, nil))
	assert.Equal(t, "no files in admin_kb\n", buf.String())

	buf.Reset()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, printFiles(&buf, rag.CaseScope("7"), []rag.FileInfo{
		{Name: "lease.pdf", Size: 2048, CreatedAt: created},
		{Name: "notes.txt", Size: 12},
	}))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "lease.pdf")
	assert.Contains(t, out, "2024-05-01T12:00:00Z")
	assert.Contains(t, out, "notes.txt")
}

func TestPrintSources(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSources(&buf, &agent.Result{
		Fallback: true,
		Sources: []rag.Source{
			{Filename: "lease.pdf", Scope: rag.CaseScope("42"), Score: 0.91},
			{Filename: "contract-law.pdf", Scope: rag.AdminScope, Score: 0.7},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "answered from the file listing")
	assert.Contains(t, out, "lease.pdf (case 42, score 0.91)")
	assert.Contains(t, out, "contract-law.pdf (knowledge base, score 0.70)")
}

type stubPinger struct {
	name string
	err  error
}

func (p stubPinger) Ping(context.Context) error { return p.err }
func (p stubPinger) Name() string               { return p.name }

func TestCheckDependencies(t *testing.T) {
	t.Parallel()

	ok := []server.Pinger{stubPinger{name: "mistral"}, stubPinger{name: "qdrant"}}
	require.NoError(t, checkDependencies(context.Background(), discardLogger(), ok))

	failing := append(ok, stubPinger{name: "s3", err: errors.New("access denied")})
	err := checkDependencies(context.Background(), discardLogger(), failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3")
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	for _, name := range []string{"serve", "ask", "ingest", "prompt", "files", "history", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestHistoryCmd(t *testing.T) {
	t.Setenv("CASECHAT_HISTORY_DB", filepath.Join(t.TempDir(), "casechat.db"))

	hs, err := openHistory(discardLogger())
	require.NoError(t, err)
	require.NoError(t, hs.Append(context.Background(), "sess-lease", store.RoleUser, "notice period?"))
	require.NoError(t, hs.Close())

	var out bytes.Buffer
	list := NewHistoryCmd()
	list.SetOut(&out)
	list.SetArgs([]string{"list"})
	require.NoError(t, list.Execute())
	assert.Contains(t, out.String(), "sess-lease")

	out.Reset()
	del := NewHistoryCmd()
	del.SetOut(&out)
	del.SetArgs([]string{"delete", "sess-lease"})
	require.NoError(t, del.Execute())
	assert.Contains(t, out.String(), "deleted 1 turns")

	again := NewHistoryCmd()
	again.SetOut(&out)
	again.SetArgs([]string{"delete", "sess-lease"})
	assert.Error(t, again.Execute())
}

func TestHistoryCmd_Disabled(t *testing.T) {
	t.Setenv("CASECHAT_HISTORY_DB", historyDisabled)

	cmd := NewHistoryCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list"})
	assert.ErrorIs(t, cmd.Execute(), errHistoryDisabled)
}
