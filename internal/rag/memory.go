package rag

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process VectorStore using brute-force cosine
// similarity. It backs tests and VECTOR_BACKEND=memory.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	// chunks is keyed by chunk id.
	chunks map[string]ChunkRecord
}

// NewMemoryStore returns an empty store. dimension 0 adopts the length of
// the first upserted embedding.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{dimension: dimension, chunks: make(map[string]ChunkRecord)}
}

// Upsert stores or replaces chunks by id.
func (s *MemoryStore) Upsert(_ context.Context, chunks []ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("memory store: chunk %s/%d has no embedding", c.Filename, c.ChunkIndex)
		}
		if s.dimension == 0 {
			s.dimension = len(c.Embedding)
		}
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("memory store: vector dimension mismatch: want %d, got %d", s.dimension, len(c.Embedding))
		}
	}
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = ChunkID(c.Scope, c.Filename, c.ChunkIndex)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		s.chunks[c.ID] = c
	}
	return nil
}

// Search scores every chunk in scope and returns the best matches at or
// above threshold.
func (s *MemoryStore) Search(_ context.Context, embedding []float32, scope Scope, matchCount int, threshold float32) ([]RetrievalMatch, error) {
	if err := validateSearch(embedding, matchCount); err != nil {
		return nil, &RetrievalError{Backend: "memory", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension != 0 && len(embedding) != s.dimension {
		return nil, &RetrievalError{
			Backend: "memory",
			Err:     fmt.Errorf("query dimension %d does not match store dimension %d", len(embedding), s.dimension),
		}
	}

	var matches []RetrievalMatch
	for _, c := range s.chunks {
		if !scope.IsNone() && c.Scope != scope {
			continue
		}
		score := Cosine(c.Embedding, embedding)
		if score < threshold {
			continue
		}
		matches = append(matches, RetrievalMatch{Chunk: c, Score: score})
	}

	SortMatches(matches)
	if len(matches) > matchCount {
		matches = matches[:matchCount]
	}
	return matches, nil
}

// DeleteSource removes every chunk of filename within scope.
func (s *MemoryStore) DeleteSource(_ context.Context, scope Scope, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.chunks {
		if c.Scope == scope && c.Filename == filename {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Len returns the number of stored chunks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
