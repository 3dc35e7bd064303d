package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedStore fills a memory store with chunks whose embeddings sit at known
// angles from the query vector {1, 0}.
func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(2)
	chunks := []ChunkRecord{
		{Scope: CaseScope("A"), Filename: "tariffs.pdf", ChunkIndex: 0, Content: "tariff schedule", Embedding: []float32{1, 0}},
		{Scope: CaseScope("A"), Filename: "tariffs.pdf", ChunkIndex: 1, Content: "duty rates", Embedding: []float32{0.8, 0.6}},
		{Scope: CaseScope("A"), Filename: "notes.pdf", ChunkIndex: 0, Content: "meeting notes", Embedding: []float32{0.6, 0.8}},
		{Scope: CaseScope("A"), Filename: "notes.pdf", ChunkIndex: 1, Content: "unrelated", Embedding: []float32{0, 1}},
		{Scope: CaseScope("B"), Filename: "other.pdf", ChunkIndex: 0, Content: "other case", Embedding: []float32{1, 0}},
	}
	require.NoError(t, s.Upsert(context.Background(), chunks))
	return s
}

func TestMemoryStore_SearchThresholdAndOrder(t *testing.T) {
	t.Parallel()

	query := []float32{1, 0}
	for _, threshold := range []float32{0, 0.5, 0.65, 0.7, 0.9} {
		for _, matchCount := range []int{1, 2, 5, 10} {
			t.Run(fmt.Sprintf("t=%.2f/n=%d", threshold, matchCount), func(t *testing.T) {
				t.Parallel()
				s := seedStore(t)

				got, err := s.Search(context.Background(), query, CaseScope("A"), matchCount, threshold)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(got), matchCount)
				for i, m := range got {
					assert.GreaterOrEqual(t, m.Score, threshold, "match %d below threshold", i)
					assert.Equal(t, CaseScope("A"), m.Chunk.Scope)
					if i > 0 {
						assert.GreaterOrEqual(t, got[i-1].Score, m.Score, "results not descending at %d", i)
					}
				}
			})
		}
	}
}

func TestMemoryStore_NoScopeSearchesEverything(t *testing.T) {
	t.Parallel()
	s := seedStore(t)

	got, err := s.Search(context.Background(), []float32{1, 0}, NoScope, 10, 0.99)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"tariffs.pdf", "other.pdf"}, []string{got[0].Chunk.Filename, got[1].Chunk.Filename})
}

func TestMemoryStore_UpsertReplacesSameChunk(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	before := s.Len()

	err := s.Upsert(context.Background(), []ChunkRecord{
		{Scope: CaseScope("A"), Filename: "tariffs.pdf", ChunkIndex: 0, Content: "revised", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, before, s.Len())

	got, err := s.Search(context.Background(), []float32{1, 0}, CaseScope("A"), 1, 0.99)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "revised", got[0].Chunk.Content)
}

func TestMemoryStore_DeleteSourceCascades(t *testing.T) {
	t.Parallel()
	s := seedStore(t)

	require.NoError(t, s.DeleteSource(context.Background(), CaseScope("A"), "notes.pdf"))

	got, err := s.Search(context.Background(), []float32{0, 1}, CaseScope("A"), 10, 0)
	require.NoError(t, err)
	for _, m := range got {
		assert.NotEqual(t, "notes.pdf", m.Chunk.Filename)
	}
}

func TestMemoryStore_Errors(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	ctx := context.Background()

	_, err := s.Search(ctx, []float32{1, 0, 0}, NoScope, 5, 0)
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrRetrieval)

	_, err = s.Search(ctx, nil, NoScope, 5, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = s.Upsert(ctx, []ChunkRecord{{Filename: "x", Embedding: []float32{1, 2, 3}}})
	assert.Error(t, err)
}
