package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/embedder"
	"github.com/54b3r/casechat/internal/extract"
	"github.com/54b3r/casechat/internal/ingestion"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/storage"
)

// NewIngestCmd constructs the `casechat ingest` command, which indexes the
// files of a case (or of the shared knowledge base) into the vector store.
func NewIngestCmd() *cobra.Command {
	var caseID string
	var files []string
	var deleteName string
	var backfill bool
	var deferred bool
	var chunkSize int
	var chunkOverlap int

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index case files into the vector store",
		Long: `Read files from storage, extract their text, split it into overlapping
chunks, embed each chunk and store it in the vector store. Re-ingesting a file
replaces its previous chunks.

PDFs are sent to the extraction service at EXTRACT_URL; .txt and .md files are
read directly. Without --file every file in the scope is ingested.

With --deferred (postgres backend only) chunks are stored without embeddings;
run --backfill later to embed them.

Relevant environment variables:
  STORAGE_BACKEND      local or s3 (default: local)
  VECTOR_BACKEND       qdrant, postgres or memory (default: qdrant)
  EMBEDDING_PROVIDER   embedding backend (default: MODEL_PROVIDER)
  EXTRACT_URL          PDF text extraction endpoint

Examples:
  casechat ingest --case 42
  casechat ingest --case 42 --file lease.pdf --file notice.txt
  casechat ingest --file contract-law.pdf          # shared knowledge base
  casechat ingest --case 42 --delete lease.pdf
  casechat ingest --backfill`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			scope, err := scopeFromFlag(caseID)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			// A deferred run stores chunks without calling the embedder.
			var emb rag.Embedder
			if !deferred {
				if err := embedder.ValidateForRAG(log); err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				emb, err = embedder.NewFromEnv(ctx)
				if err != nil {
					return fmt.Errorf("ingest: failed to initialise embedder: %w", err)
				}
			}

			vectors, _, err := openVectorStore(ctx, log, embedder.DefaultDimensions(embedder.Backend()))
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = vectors.Close() }()

			lister, err := storage.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			pipeline, err := ingestion.NewPipeline(ingestion.Deps{
				Embedder:  emb,
				Store:     vectors,
				Files:     lister,
				Extractor: extract.NewFromEnv(),
			}, &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
				Deferred:     deferred,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			progress := func(msg string) { log.Info(msg) }

			switch {
			case backfill:
				n, err := pipeline.Backfill(ctx, progress)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				log.Info("backfill complete", slog.Int("chunks", n))
				return nil

			case deleteName != "":
				if err := pipeline.Delete(ctx, scope, deleteName); err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				return nil

			case len(files) > 0:
				total := 0
				for _, name := range files {
					r, err := pipeline.IngestFile(ctx, scope, name)
					if err != nil {
						return fmt.Errorf("ingest: %w", err)
					}
					total += r.Chunks
				}
				log.Info("ingestion complete",
					slog.String("scope", string(scope)),
					slog.Int("files", len(files)),
					slog.Int("chunks", total),
				)
				return nil

			default:
				reports, err := pipeline.IngestScope(ctx, scope, progress)
				log.Info("ingestion finished",
					slog.String("scope", string(scope)),
					slog.Int("files", len(reports)),
				)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&caseID, "case", "c", "", "Case id; empty targets the shared knowledge base")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "File name within the scope (repeatable); default all files")
	cmd.Flags().StringVar(&deleteName, "delete", "", "Remove every chunk of this file instead of ingesting")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "Embed chunks stored without an embedding")
	cmd.Flags().BoolVar(&deferred, "deferred", false, "Store chunks now and embed them with a later --backfill")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", ingestion.DefaultChunkSize, "Maximum characters per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", ingestion.DefaultChunkOverlap, "Characters shared by consecutive chunks")
	cmd.MarkFlagsMutuallyExclusive("backfill", "delete", "file")
	cmd.MarkFlagsMutuallyExclusive("backfill", "deferred")

	return cmd
}
