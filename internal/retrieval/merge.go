package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/54b3r/casechat/internal/budget"
	"github.com/54b3r/casechat/internal/rag"
)

// FallbackPrefix starts every fallback context.
const FallbackPrefix = "No relevant documents found. Available files: "

// chunkLine renders one match as it appears in the context.
func chunkLine(m rag.RetrievalMatch) string {
	return "From " + m.Chunk.Filename + ": " + m.Chunk.Content
}

// mergeGrouped concatenates matches grouped by variant, in variant order.
// Each group opens with the variant's question text; groups and chunks are
// separated by blank lines. Variants without matches produce no group.
// Chunks past maxTokens are dropped from the end, so later variants lose
// evidence first; the first chunk is always kept.
func mergeGrouped(variants []rag.QueryVariant, groups [][]rag.RetrievalMatch, maxTokens int) (string, []rag.RetrievalMatch) {
	var units []string
	var matches []rag.RetrievalMatch
	for i, group := range groups {
		for j, m := range group {
			unit := chunkLine(m)
			if j == 0 {
				unit = variants[i].Text + "\n" + unit
			}
			units = append(units, unit)
			matches = append(matches, m)
		}
	}
	if len(units) == 0 {
		return "", nil
	}

	n := budget.Fit(units, 1, maxTokens)
	if n == 0 {
		n = 1
	}
	return strings.Join(units[:n], "\n\n"), matches[:n]
}

// sources returns one attribution per distinct chunk, in context order,
// carrying the best score seen for it.
func sources(matches []rag.RetrievalMatch) []rag.Source {
	out := make([]rag.Source, 0, len(matches))
	index := make(map[string]int, len(matches))
	for _, m := range matches {
		if i, ok := index[m.Chunk.ID]; ok {
			if m.Score > out[i].Score {
				out[i].Score = m.Score
			}
			continue
		}
		index[m.Chunk.ID] = len(out)
		out = append(out, rag.Source{
			Filename: m.Chunk.Filename,
			Scope:    m.Chunk.Scope,
			ChunkID:  m.Chunk.ID,
			Score:    m.Score,
			Variant:  m.Variant.Text,
		})
	}
	return out
}

// FallbackText renders the degraded-mode context from a file listing.
func FallbackText(files []rag.FileInfo) string {
	if len(files) == 0 {
		return FallbackPrefix + "none"
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return FallbackPrefix + strings.Join(names, ", ")
}

func (o *Orchestrator) fallback(ctx context.Context, log *slog.Logger, scope rag.Scope) string {
	files, err := o.deps.Files.ListFiles(ctx, scope)
	if err != nil {
		log.Warn("retrieval: file listing failed for fallback context", slog.String("error", err.Error()))
		return FallbackText(nil)
	}
	return FallbackText(files)
}
