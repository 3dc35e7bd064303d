// Package ingestion implements the case file ingestion pipeline.
// It reads a file from storage, extracts its text, chunks the content,
// embeds each chunk, and upserts the results into the vector store.
// This pipeline is invoked by the `casechat ingest` CLI command.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/storage"
)

const (
	// DefaultChunkSize is the maximum number of characters per chunk.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the number of characters shared by consecutive chunks.
	DefaultChunkOverlap = 100
	// DefaultBackfillBatch is the number of pending chunks embedded per round.
	DefaultBackfillBatch = 100
)

// Extractor turns a stored file into page texts. *extract.Client satisfies it.
type Extractor interface {
	ExtractText(ctx context.Context, filename string, data []byte) ([]string, error)
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per document chunk.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between consecutive chunks.
	// Defaults to DefaultChunkOverlap if zero.
	ChunkOverlap int

	// Deferred stores chunks without embeddings, to be filled by Backfill.
	// Requires a store implementing rag.PendingStore.
	Deferred bool

	// BackfillBatch bounds one Pending query. Defaults to DefaultBackfillBatch.
	BackfillBatch int
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Embedder  rag.Embedder
	Store     rag.VectorStore
	Files     storage.Lister
	Extractor Extractor
}

// Report summarizes one ingested file.
type Report struct {
	Scope    rag.Scope
	Filename string
	Pages    int
	Chunks   int
	Deferred bool
}

// Pipeline orchestrates the read → extract → chunk → embed → upsert flow.
type Pipeline struct {
	embedder  rag.Embedder
	store     rag.VectorStore
	files     storage.Lister
	extractor Extractor
	cfg       Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(deps Deps, cfg *Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 10
	}
	if c.BackfillBatch <= 0 {
		c.BackfillBatch = DefaultBackfillBatch
	}
	if c.Deferred {
		if _, ok := deps.Store.(rag.PendingStore); !ok {
			return nil, fmt.Errorf("ingestion: deferred embedding needs a store that supports pending chunks")
		}
	} else if deps.Embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}

	return &Pipeline{
		embedder:  deps.Embedder,
		store:     deps.Store,
		files:     deps.Files,
		extractor: deps.Extractor,
		cfg:       c,
	}, nil
}

// IngestFile replaces the chunks of name within scope with freshly extracted
// and embedded ones.
func (p *Pipeline) IngestFile(ctx context.Context, scope rag.Scope, name string) (*Report, error) {
	if p.files == nil || p.extractor == nil {
		return nil, fmt.Errorf("ingestion: file storage and extractor are required to ingest files")
	}
	log := logging.FromContext(ctx).With(slog.String("scope", string(scope)), slog.String("file", name))

	data, err := p.files.ReadFile(ctx, scope, name)
	if err != nil {
		return nil, fmt.Errorf("ingestion: read %s: %w", name, err)
	}
	pages, err := p.extractor.ExtractText(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("ingestion: extract %s: %w", name, err)
	}

	texts := p.chunk(strings.Join(pages, "\n\n"))
	report := &Report{Scope: scope, Filename: name, Pages: len(pages), Chunks: len(texts), Deferred: p.cfg.Deferred}
	if len(texts) == 0 {
		log.Warn("ingestion: no text extracted, skipping")
		return report, nil
	}

	now := time.Now().UTC()
	chunks := make([]rag.ChunkRecord, len(texts))
	for i, text := range texts {
		chunks[i] = rag.ChunkRecord{
			ID:         rag.ChunkID(scope, name, i),
			Scope:      scope,
			Filename:   name,
			ChunkIndex: i,
			Content:    text,
			CreatedAt:  now,
		}
	}

	if !p.cfg.Deferred {
		for i := range chunks {
			vec, err := p.embedder.Embed(ctx, chunks[i].Content)
			if err != nil {
				return nil, fmt.Errorf("ingestion: embed %s chunk %d: %w", name, i, err)
			}
			chunks[i].Embedding = vec
		}
	}

	// A shorter re-ingest must not leave stale trailing chunks behind.
	if err := p.store.DeleteSource(ctx, scope, name); err != nil {
		return nil, fmt.Errorf("ingestion: clear %s: %w", name, err)
	}
	if p.cfg.Deferred {
		err = p.store.(rag.PendingStore).UpsertPending(ctx, chunks)
	} else {
		err = p.store.Upsert(ctx, chunks)
	}
	if err != nil {
		return nil, fmt.Errorf("ingestion: upsert %s: %w", name, err)
	}

	log.Info("ingestion: file ingested",
		slog.Int("pages", report.Pages),
		slog.Int("chunks", report.Chunks),
		slog.Bool("deferred", report.Deferred),
	)
	return report, nil
}

// IngestScope ingests every file listed in scope. It processes files
// sequentially and returns the first error encountered along with the
// reports of the files done so far. Progress is reported via the optional
// progress callback.
func (p *Pipeline) IngestScope(ctx context.Context, scope rag.Scope, progress func(msg string)) ([]Report, error) {
	if progress == nil {
		progress = func(string) {}
	}
	if p.files == nil {
		return nil, fmt.Errorf("ingestion: file storage is required to ingest a scope")
	}
	files, err := p.files.ListFiles(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("ingestion: list %s: %w", scope, err)
	}

	reports := make([]Report, 0, len(files))
	for _, f := range files {
		progress(fmt.Sprintf("ingesting %s", f.Name))
		r, err := p.IngestFile(ctx, scope, f.Name)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *r)
		progress(fmt.Sprintf("ingested %d chunks from %s", r.Chunks, f.Name))
	}
	return reports, nil
}

// Delete removes every chunk of name within scope.
func (p *Pipeline) Delete(ctx context.Context, scope rag.Scope, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("ingestion: %w: empty filename", rag.ErrInvalidInput)
	}
	if err := p.store.DeleteSource(ctx, scope, name); err != nil {
		return fmt.Errorf("ingestion: delete %s: %w", name, err)
	}
	logging.FromContext(ctx).Info("ingestion: source deleted",
		slog.String("scope", string(scope)),
		slog.String("file", name),
	)
	return nil
}

// ErrBackfillUnsupported is returned by Backfill for stores without pending chunks.
var ErrBackfillUnsupported = errors.New("ingestion: store does not hold pending chunks")

// Backfill embeds chunks stored without an embedding until none remain.
// A chunk that fails to embed aborts the run; chunks already filled stay filled.
func (p *Pipeline) Backfill(ctx context.Context, progress func(msg string)) (int, error) {
	if progress == nil {
		progress = func(string) {}
	}
	pending, ok := p.store.(rag.PendingStore)
	if !ok {
		return 0, ErrBackfillUnsupported
	}
	if p.embedder == nil {
		return 0, fmt.Errorf("ingestion: embedder must not be nil")
	}

	total := 0
	for {
		batch, err := pending.Pending(ctx, p.cfg.BackfillBatch)
		if err != nil {
			return total, fmt.Errorf("ingestion: backfill: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, c := range batch {
			vec, err := p.embedder.Embed(ctx, c.Content)
			if err != nil {
				return total, fmt.Errorf("ingestion: backfill %s chunk %d: %w", c.Filename, c.ChunkIndex, err)
			}
			if err := pending.SetEmbedding(ctx, c.ID, vec); err != nil {
				return total, fmt.Errorf("ingestion: backfill: %w", err)
			}
			total++
		}
		progress(fmt.Sprintf("embedded %d pending chunks", total))
	}
}

// chunk splits text into overlapping chunks of cfg.ChunkSize characters.
// Boundaries fall on runes so multi-byte text is never split mid-character.
func (p *Pipeline) chunk(text string) []string {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return nil
	}

	runes := []rune(text)
	size := p.cfg.ChunkSize
	overlap := p.cfg.ChunkOverlap

	var chunks []string
	for start := 0; start < len(runes); start += size - overlap {
		end := min(start+size, len(runes))
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
