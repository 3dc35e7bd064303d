// Package rag defines the domain types and interfaces of the retrieval
// pipeline: chunk records, scopes, query variants, similarity matches, and
// the embedding, vector search and file listing capabilities they flow
// through. Concrete backends (Qdrant, Postgres/pgvector, in-memory) satisfy
// these interfaces so the orchestration layers never depend on one of them.
package rag

import (
	"context"
	"time"
)

// Scope partitions the corpus. A case scope restricts retrieval to the
// chunks of one case; NoScope disables the filter entirely.
type Scope string

const (
	// NoScope is the sentinel used when a query carries no case context.
	NoScope Scope = ""
	// AdminScope is the shared knowledge base maintained by administrators.
	AdminScope Scope = "admin_kb"
)

// CaseScope returns the scope for a case id. An empty id yields NoScope.
func CaseScope(caseID string) Scope {
	if caseID == "" {
		return NoScope
	}
	return Scope("case:" + caseID)
}

// IsNone reports whether s is the unscoped sentinel.
func (s Scope) IsNone() bool { return s == NoScope }

// CaseID returns the case id of a case scope, or "" for other scopes.
func (s Scope) CaseID() string {
	const prefix = "case:"
	if len(s) > len(prefix) && string(s[:len(prefix)]) == prefix {
		return string(s[len(prefix):])
	}
	return ""
}

// ChunkRecord is one stored, independently retrievable segment of a source
// document.
type ChunkRecord struct {
	// ID is derived from (Scope, Filename, ChunkIndex); see ChunkID.
	ID string
	// Scope owns the chunk.
	Scope Scope
	// Filename is the source document name.
	Filename string
	// ChunkIndex is the position of the chunk within the source document.
	ChunkIndex int
	// Content is the raw chunk text.
	Content string
	// Embedding is nil until the chunk has been embedded.
	Embedding []float32
	// CreatedAt is when the chunk was first stored.
	CreatedAt time.Time
}

// Origin says where a query variant came from.
type Origin string

const (
	// OriginOriginal marks the user's own question.
	OriginOriginal Origin = "original"
	// OriginParaphrase marks a generated alternate phrasing.
	OriginParaphrase Origin = "paraphrase"
)

// QueryVariant is one phrasing of the user's question used for retrieval.
type QueryVariant struct {
	Text   string
	Origin Origin
	// Rank is 0 for the original and 1..N for paraphrases.
	Rank int
}

// RetrievalMatch is one similarity search hit. Score is always at or above
// the threshold the search was issued with.
type RetrievalMatch struct {
	Chunk   ChunkRecord
	Score   float32
	Variant QueryVariant
}

// Source is the attribution shown next to an answer.
type Source struct {
	Filename string  `json:"filename"`
	Scope    Scope   `json:"scope"`
	ChunkID  string  `json:"chunkId"`
	Score    float32 `json:"score"`
	Variant  string  `json:"variant"`
}

// FileInfo describes one file available in a scope.
type FileInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Embedder converts text into a normalized fixed-dimension vector.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed returns the embedding for text. Upstream failures are reported
	// as *EmbeddingServiceError.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore persists chunk embeddings and answers scoped similarity
// queries. Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Search returns at most matchCount matches whose score is >= threshold,
	// ordered by descending score. Failures are reported as *RetrievalError.
	Search(ctx context.Context, embedding []float32, scope Scope, matchCount int, threshold float32) ([]RetrievalMatch, error)

	// Upsert stores or replaces chunks. Every chunk must carry an embedding
	// of the store's dimension.
	Upsert(ctx context.Context, chunks []ChunkRecord) error

	// DeleteSource removes every chunk of filename within scope.
	DeleteSource(ctx context.Context, scope Scope, filename string) error

	// Close releases any resources held by the store.
	Close() error
}

// FileLister lists the files stored for a scope.
type FileLister interface {
	ListFiles(ctx context.Context, scope Scope) ([]FileInfo, error)
}
