package rag

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// chunkNamespace seeds the name-based UUIDs used as chunk ids.
var chunkNamespace = uuid.MustParse("5b0c7f3e-8a61-4c1e-9a47-1f5f3d2b6c90")

// ChunkID returns the deterministic id of the chunk at index within
// (scope, filename). Re-ingesting a document therefore replaces its chunks
// rather than duplicating them. The value is a UUID so it is accepted as a
// Qdrant point id.
func ChunkID(scope Scope, filename string, index int) string {
	name := fmt.Sprintf("%s\x00%s\x00%d", scope, filename, index)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortMatches orders matches by descending score. Ties keep chunk order
// (filename, then chunk index) so results are deterministic.
func SortMatches(matches []RetrievalMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Chunk.Filename != matches[j].Chunk.Filename {
			return matches[i].Chunk.Filename < matches[j].Chunk.Filename
		}
		return matches[i].Chunk.ChunkIndex < matches[j].Chunk.ChunkIndex
	})
}

// validateSearch checks the arguments shared by every Search implementation.
func validateSearch(embedding []float32, matchCount int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty query embedding", ErrInvalidInput)
	}
	if matchCount <= 0 {
		return fmt.Errorf("%w: match count must be positive, got %d", ErrInvalidInput, matchCount)
	}
	return nil
}
