package rag

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // register "postgres" driver
	"github.com/pgvector/pgvector-go"
)

// PGVectorConfig holds connection parameters for the Postgres store.
type PGVectorConfig struct {
	// DSN is a lib/pq connection string.
	DSN string
	// Dimensions is the embedding vector size of the column.
	Dimensions int
}

// PGVectorStore implements VectorStore on a Postgres table with a pgvector
// column. Rows may exist with a NULL embedding until they are backfilled, so
// it also satisfies PendingStore.
type PGVectorStore struct {
	db         *sql.DB
	dimensions int
}

// PendingStore is implemented by stores that can hold chunks before their
// embedding is known and list them for a later embedding pass.
type PendingStore interface {
	// UpsertPending stores chunks without requiring an embedding.
	UpsertPending(ctx context.Context, chunks []ChunkRecord) error
	// Pending returns up to limit chunks whose embedding is still unset.
	Pending(ctx context.Context, limit int) ([]ChunkRecord, error)
	// SetEmbedding fills the embedding of one chunk.
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

// OpenPGVector connects to Postgres and creates the schema if needed.
func OpenPGVector(ctx context.Context, cfg *PGVectorConfig) (*PGVectorStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector: DSN must be set")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}
	s := &PGVectorStore{db: db, dimensions: cfg.Dimensions}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the connection pool for health probes.
func (s *PGVectorStore) DB() *sql.DB { return s.db }

func (s *PGVectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS document_sections (
    id          TEXT PRIMARY KEY,
    scope       TEXT        NOT NULL,
    filename    TEXT        NOT NULL,
    chunk_index INTEGER     NOT NULL,
    content     TEXT        NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (scope, filename, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_document_sections_scope ON document_sections (scope);`, s.dimensions)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("pgvector: migrate: %w", err)
	}
	return nil
}

const upsertSection = `
INSERT INTO document_sections (id, scope, filename, chunk_index, content, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (scope, filename, chunk_index) DO UPDATE SET
    content   = EXCLUDED.content,
    embedding = EXCLUDED.embedding`

// Upsert stores chunks with their embeddings in one transaction.
func (s *PGVectorStore) Upsert(ctx context.Context, chunks []ChunkRecord) error {
	for _, c := range chunks {
		if len(c.Embedding) != s.dimensions {
			return fmt.Errorf("pgvector: chunk %s/%d has dimension %d, column expects %d",
				c.Filename, c.ChunkIndex, len(c.Embedding), s.dimensions)
		}
	}
	return s.write(ctx, chunks, true)
}

// UpsertPending stores chunks leaving the embedding NULL.
func (s *PGVectorStore) UpsertPending(ctx context.Context, chunks []ChunkRecord) error {
	return s.write(ctx, chunks, false)
}

func (s *PGVectorStore) write(ctx context.Context, chunks []ChunkRecord, withEmbedding bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSection)
	if err != nil {
		return fmt.Errorf("pgvector: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = ChunkID(c.Scope, c.Filename, c.ChunkIndex)
		}
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		var emb any
		if withEmbedding {
			emb = pgvector.NewVector(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, id, string(c.Scope), c.Filename, c.ChunkIndex, c.Content, emb, created); err != nil {
			return fmt.Errorf("pgvector: upsert %s/%d: %w", c.Filename, c.ChunkIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgvector: commit: %w", err)
	}
	return nil
}

const matchSections = `
SELECT id, scope, filename, chunk_index, content, created_at,
       1 - (embedding <=> $1) AS similarity
FROM   document_sections
WHERE  embedding IS NOT NULL
  AND  ($2 = '' OR scope = $2)
  AND  1 - (embedding <=> $1) >= $3
ORDER  BY embedding <=> $1
LIMIT  $4`

// Search returns chunks whose cosine similarity is at least threshold, best
// first. An unscoped query searches every scope.
func (s *PGVectorStore) Search(ctx context.Context, embedding []float32, scope Scope, matchCount int, threshold float32) ([]RetrievalMatch, error) {
	if err := validateSearch(embedding, matchCount); err != nil {
		return nil, &RetrievalError{Backend: "pgvector", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, matchSections, pgvector.NewVector(embedding), string(scope), threshold, matchCount)
	if err != nil {
		return nil, &RetrievalError{Backend: "pgvector", Err: err}
	}
	defer rows.Close()

	var matches []RetrievalMatch
	for rows.Next() {
		var (
			m     RetrievalMatch
			scp   string
			score float64
		)
		if err := rows.Scan(&m.Chunk.ID, &scp, &m.Chunk.Filename, &m.Chunk.ChunkIndex, &m.Chunk.Content, &m.Chunk.CreatedAt, &score); err != nil {
			return nil, &RetrievalError{Backend: "pgvector", Err: fmt.Errorf("scan: %w", err)}
		}
		m.Chunk.Scope = Scope(scp)
		m.Score = float32(score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &RetrievalError{Backend: "pgvector", Err: err}
	}
	SortMatches(matches)
	return matches, nil
}

// Pending lists chunks that still need an embedding, oldest first.
func (s *PGVectorStore) Pending(ctx context.Context, limit int) ([]ChunkRecord, error) {
	const q = `
SELECT id, scope, filename, chunk_index, content, created_at
FROM   document_sections
WHERE  embedding IS NULL
ORDER  BY created_at, filename, chunk_index
LIMIT  $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector: pending: %w", err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var scp string
		if err := rows.Scan(&c.ID, &scp, &c.Filename, &c.ChunkIndex, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgvector: pending scan: %w", err)
		}
		c.Scope = Scope(scp)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetEmbedding fills the embedding of one chunk. Embedded chunks are never
// rewritten here.
func (s *PGVectorStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != s.dimensions {
		return fmt.Errorf("pgvector: embedding dimension %d, column expects %d", len(embedding), s.dimensions)
	}
	const q = `UPDATE document_sections SET embedding = $2 WHERE id = $1 AND embedding IS NULL`
	if _, err := s.db.ExecContext(ctx, q, id, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("pgvector: set embedding %s: %w", id, err)
	}
	return nil
}

// DeleteSource removes every section of filename within scope.
func (s *PGVectorStore) DeleteSource(ctx context.Context, scope Scope, filename string) error {
	const q = `DELETE FROM document_sections WHERE scope = $1 AND filename = $2`
	if _, err := s.db.ExecContext(ctx, q, string(scope), filename); err != nil {
		return fmt.Errorf("pgvector: delete %s/%s: %w", scope, filename, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGVectorStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pgvector: close: %w", err)
	}
	return nil
}
