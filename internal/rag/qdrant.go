package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Point payload fields. scope and filename carry keyword indexes.
const (
	fieldScope      = "scope"
	fieldFilename   = "filename"
	fieldChunkIndex = "chunk_index"
	fieldContent    = "content"
	fieldCreatedAt  = "created_at"
)

// QdrantConfig locates the collection. Zero values select localhost:6334
// and the "case-documents" collection; VectorSize is required.
type QdrantConfig struct {
	Host       string
	Port       int // gRPC
	Collection string
	VectorSize uint64
	APIKey     string
	UseTLS     bool
}

func (c QdrantConfig) withDefaults() QdrantConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "case-documents"
	}
	return c
}

// QdrantStore keeps one point per chunk in a cosine collection.
type QdrantStore struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

// NewQdrantStore connects and creates the collection and its payload
// indexes on first use.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	c := cfg.withDefaults()
	if c.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   c.Host,
		Port:   c.Port,
		APIKey: c.APIKey,
		UseTLS: c.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: new client: %w", err)
	}
	s := &QdrantStore{client: client, cfg: c}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	name := s.cfg.Collection
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: look up collection %q: %w", name, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection %q: %w", name, err)
	}
	// Scoped search filters on scope; re-ingestion deletes by filename.
	for _, field := range []string{fieldScope, fieldFilename} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("qdrant: index %q: %w", field, err)
		}
	}
	return nil
}

// Ping calls the server health check RPC.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return nil
}

// Upsert writes the chunks and waits until they are searchable.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		p, err := toPoint(c, s.cfg.VectorSize, time.Now())
		if err != nil {
			return err
		}
		points[i] = p
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search returns up to matchCount chunks of scope scoring at least
// threshold, best first. NoScope searches the whole collection.
func (s *QdrantStore) Search(ctx context.Context, embedding []float32, scope Scope, matchCount int, threshold float32) ([]RetrievalMatch, error) {
	if err := validateSearch(embedding, matchCount); err != nil {
		return nil, &RetrievalError{Backend: "qdrant", Err: err}
	}
	q := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(matchCount)), //nolint:gosec // validated positive
		ScoreThreshold: qdrant.PtrOf(threshold),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if !scope.IsNone() {
		q.Filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(fieldScope, string(scope))}}
	}
	points, err := s.client.Query(ctx, q)
	if err != nil {
		return nil, &RetrievalError{Backend: "qdrant", Err: err}
	}

	out := make([]RetrievalMatch, 0, len(points))
	for _, p := range points {
		// The server applies the threshold too; this guards float rounding.
		if p.Score >= threshold {
			out = append(out, RetrievalMatch{Chunk: fromPayload(p.Id.GetUuid(), p.Payload), Score: p.Score})
		}
	}
	SortMatches(out)
	return out, nil
}

// DeleteSource drops every chunk of filename within scope.
func (s *QdrantStore) DeleteSource(ctx context.Context, scope Scope, filename string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch(fieldScope, string(scope)),
			qdrant.NewMatch(fieldFilename, filename),
		}}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %s/%s: %w", scope, filename, err)
	}
	return nil
}

// Close releases the gRPC connection to Qdrant.
func (s *QdrantStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("qdrant: close: %w", err)
	}
	return nil
}

// toPoint converts a chunk, filling in its derived id and creation time.
func toPoint(c ChunkRecord, size uint64, now time.Time) (*qdrant.PointStruct, error) {
	if uint64(len(c.Embedding)) != size {
		return nil, fmt.Errorf("qdrant: chunk %s/%d has dimension %d, collection expects %d",
			c.Filename, c.ChunkIndex, len(c.Embedding), size)
	}
	if c.ID == "" {
		c.ID = ChunkID(c.Scope, c.Filename, c.ChunkIndex)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(c.ID),
		Vectors: qdrant.NewVectors(c.Embedding...),
		Payload: qdrant.NewValueMap(map[string]any{
			fieldScope:      string(c.Scope),
			fieldFilename:   c.Filename,
			fieldChunkIndex: int64(c.ChunkIndex),
			fieldContent:    c.Content,
			fieldCreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339),
		}),
	}, nil
}

// fromPayload rebuilds the chunk a search hit refers to. Missing fields stay
// zero.
func fromPayload(id string, p map[string]*qdrant.Value) ChunkRecord {
	c := ChunkRecord{
		ID:         id,
		Scope:      Scope(p[fieldScope].GetStringValue()),
		Filename:   p[fieldFilename].GetStringValue(),
		ChunkIndex: int(p[fieldChunkIndex].GetIntegerValue()),
		Content:    p[fieldContent].GetStringValue(),
	}
	if t, err := time.Parse(time.RFC3339, p[fieldCreatedAt].GetStringValue()); err == nil {
		c.CreatedAt = t
	}
	return c
}
