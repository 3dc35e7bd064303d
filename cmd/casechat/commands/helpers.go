package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/casechat/internal/agent"
	"github.com/54b3r/casechat/internal/embedder"
	"github.com/54b3r/casechat/internal/env"
	"github.com/54b3r/casechat/internal/generate"
	"github.com/54b3r/casechat/internal/paraphrase"
	"github.com/54b3r/casechat/internal/prompts"
	"github.com/54b3r/casechat/internal/provider"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/retrieval"
	"github.com/54b3r/casechat/internal/server"
	"github.com/54b3r/casechat/internal/session"
	"github.com/54b3r/casechat/internal/storage"
	"github.com/54b3r/casechat/internal/store"
)

// historyDisabled turns persistence off when assigned to CASECHAT_HISTORY_DB.
const historyDisabled = "disabled"

// retrievalConfigFromEnv reads the RAG_* policy. Zero values fall through
// to the retrieval package defaults.
func retrievalConfigFromEnv() retrieval.Config {
	return retrieval.Config{
		MatchCount:       env.Int("RAG_MATCH_COUNT", 0),
		Threshold:        env.Float32("RAG_THRESHOLD", 0),
		VariantTimeout:   env.Duration("RAG_VARIANT_TIMEOUT", 0),
		MaxContextTokens: env.Int("RAG_MAX_CONTEXT_TOKENS", 0),
	}
}

// scopeFromFlag maps --case to a scope and validates it against the storage
// layout. An empty case id selects the shared knowledge base.
func scopeFromFlag(caseID string) (rag.Scope, error) {
	scope := rag.AdminScope
	if caseID != "" {
		scope = rag.CaseScope(caseID)
	}
	if _, err := storage.Prefix(scope); err != nil {
		return rag.NoScope, err
	}
	return scope, nil
}

// openHistory opens the SQLite store named by CASECHAT_HISTORY_DB (default
// ~/.casechat/casechat.db). It returns nil, nil when persistence is disabled.
func openHistory(log *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := os.Getenv("CASECHAT_HISTORY_DB")
	if dbPath == historyDisabled {
		log.Info("history: disabled via CASECHAT_HISTORY_DB=disabled")
		return nil, nil
	}
	if dbPath == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		dbPath = p
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs, nil
}

// promptProvider wraps hs, tolerating a disabled store.
func promptProvider(hs *store.SQLiteStore) *prompts.Provider {
	if hs == nil {
		return prompts.NewProvider(nil)
	}
	return prompts.NewProvider(hs)
}

// openVectorStore connects to the backend named by VECTOR_BACKEND (qdrant,
// postgres or memory; default qdrant). The returned pinger is nil for the
// in-memory backend.
func openVectorStore(ctx context.Context, log *slog.Logger, dims int) (rag.VectorStore, server.Pinger, error) {
	switch backend := env.Lower("VECTOR_BACKEND", "qdrant"); backend {
	case "qdrant":
		cfg := &rag.QdrantConfig{
			Host:       env.String("QDRANT_HOST", "localhost"),
			Port:       env.Int("QDRANT_PORT", 6334),
			Collection: env.String("QDRANT_COLLECTION", "case-documents"),
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     env.Bool("QDRANT_TLS", false),
		}
		qs, err := rag.NewQdrantStore(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		log.Info("vector store ready",
			slog.String("backend", backend),
			slog.String("collection", cfg.Collection),
			slog.Int("dimensions", dims),
		)
		return qs, server.Dependency("qdrant", qs.Ping), nil
	case "postgres":
		dsn := os.Getenv("POSTGRES_DSN")
		if dsn == "" {
			return nil, nil, fmt.Errorf("POSTGRES_DSN is required for VECTOR_BACKEND=postgres")
		}
		ps, err := rag.OpenPGVector(ctx, &rag.PGVectorConfig{DSN: dsn, Dimensions: dims})
		if err != nil {
			return nil, nil, err
		}
		log.Info("vector store ready", slog.String("backend", backend), slog.Int("dimensions", dims))
		return ps, server.Dependency("postgres", ps.DB().PingContext), nil
	case "memory":
		log.Warn("vector store is in-memory: chunks are lost on exit")
		return rag.NewMemoryStore(dims), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown VECTOR_BACKEND %q: valid values: qdrant, postgres, memory", backend)
	}
}

// chatStack is the fully wired question-answering pipeline shared by
// `serve` and `ask`.
type chatStack struct {
	model       model.BaseChatModel
	providerCfg *provider.Config
	files       storage.Lister
	vectors     rag.VectorStore
	history     *store.SQLiteStore
	sessions    *session.Manager
	agent       *agent.CaseAgent
	// pingers are the readiness probes for every remote dependency.
	pingers []server.Pinger
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (s *chatStack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildChatStack wires provider, embedder, vector store, file storage,
// prompts, sessions, retrieval, generation and the agent. Metrics register
// against reg. A history store that fails to open is logged and disabled
// rather than failing startup.
func buildChatStack(ctx context.Context, log *slog.Logger, reg prometheus.Registerer) (*chatStack, error) {
	st := &chatStack{}
	built := false
	defer func() {
		if !built {
			st.Close()
		}
	}()

	providerCfg := provider.ConfigFromEnv()
	chatModel, err := provider.New(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise model provider: %w", err)
	}
	st.model, st.providerCfg = chatModel, providerCfg
	st.pingers = append(st.pingers, server.NewLLMPinger(chatModel, provider.NewHealthChecker(providerCfg), string(providerCfg.Backend)))
	log.Info("provider initialised",
		slog.String("provider", string(providerCfg.Backend)),
		slog.String("model", providerCfg.ModelName()),
	)

	if err := embedder.ValidateForRAG(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise embedder: %w", err)
	}
	if named, ok := emb.(interface{ ModelName() string }); ok {
		log.Info("embedder initialised", slog.String("model", named.ModelName()))
	}

	vectors, vectorPinger, err := openVectorStore(ctx, log, embedder.DefaultDimensions(embedder.Backend()))
	if err != nil {
		return nil, err
	}
	st.vectors = vectors
	st.closers = append(st.closers, func() { _ = vectors.Close() })
	if vectorPinger != nil {
		st.pingers = append(st.pingers, vectorPinger)
	}

	files, err := storage.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise file storage: %w", err)
	}
	st.files = files
	if s3, ok := files.(*storage.S3Lister); ok {
		st.pingers = append(st.pingers, server.Dependency("s3", s3.Ping))
	}

	hs, hsErr := openHistory(log)
	if hsErr != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", hsErr))
	}
	var opts session.ManagerOptions
	if hs != nil {
		st.history = hs
		st.closers = append(st.closers, func() { _ = hs.Close() })
		st.pingers = append(st.pingers, server.Dependency("history", hs.Ping))
		opts.History = hs
	}
	promptSrc := promptProvider(hs)
	st.sessions = session.NewManager(promptSrc.System, opts)

	orchestrator, err := retrieval.New(retrieval.Deps{
		Embedder:    emb,
		Store:       vectors,
		Files:       files,
		Paraphraser: paraphrase.New(chatModel, paraphrase.Options{}),
		Prompts:     promptSrc,
		Metrics:     retrieval.NewMetrics(reg),
	}, retrievalConfigFromEnv())
	if err != nil {
		return nil, err
	}
	cfg := orchestrator.Config()
	log.Info("retrieval policy",
		slog.Int("match_count", cfg.MatchCount),
		slog.Float64("threshold", float64(cfg.Threshold)),
		slog.Duration("variant_timeout", cfg.VariantTimeout),
	)

	agentMetrics := agent.NewMetrics(reg)
	gen := generate.New(chatModel, generate.Options{
		Temperature: providerCfg.Tuning.Temperature,
		MaxTokens:   providerCfg.Tuning.MaxTokens,
		Retry:       generate.RetryPolicy{OnRetry: agentMetrics.RetryHook()},
	})

	st.agent, err = agent.New(agent.Deps{
		Retriever: orchestrator,
		Generator: gen,
		Sessions:  st.sessions,
		Metrics:   agentMetrics,
	})
	if err != nil {
		return nil, err
	}
	built = true
	return st, nil
}
