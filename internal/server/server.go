// Package server implements the HTTP server that exposes the CaseAgent via a
// REST/SSE API: chat, session replay, file listing, health, readiness and
// Prometheus metrics.
// The server is started by the `casechat serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
	"github.com/54b3r/casechat/internal/storage"
	"github.com/54b3r/casechat/internal/version"
)

// Deps are the collaborators the handlers call.
type Deps struct {
	Agent    answerer
	Sessions sessionSource
	Files    rag.FileLister
}

// New constructs a Server from the provided collaborators and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Agent == nil {
		return nil, fmt.Errorf("server: agent must not be nil")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("server: session source must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := cfg.withDefaults()
	cfg = &c
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	if cfg.APIKey == "" {
		log.Warn("server: API key not set, authentication disabled")
	}

	s := &Server{
		agent:    deps.Agent,
		sessions: deps.Sessions,
		files:    deps.Files,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	rl.onReject = func(pattern string) { s.metrics.rateLimited.WithLabelValues(pattern).Inc() }
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.routes(rl),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	return s, nil
}

// routes builds the handler tree. Probes and metrics stay unauthenticated so
// orchestrators can reach them; everything else under /api requires the key.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(s.cfg.APIKey, h)
	}

	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, s.metrics.instrument(pattern, h))
	}
	route("POST /api/chat", rl.middleware(protected(s.handleChat)))
	route("GET /api/session", protected(s.handleSession))
	route("GET /api/files", rl.middleware(protected(s.handleFiles)))
	route("GET /api/health", http.HandlerFunc(s.handleHealth))
	route("GET /api/ready", http.HandlerFunc(s.handleReady))
	route("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	if s.cfg.StaticDir != "" {
		route("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return requestLogger(s.log, mux)
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	defer s.stopRL()

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleSession handles GET /api/session. It returns the replayable turns of
// the session named by ?id=, creating a new session (with its greeting) when
// the id is empty.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, sessionResponse{
		SessionID: sess.ID(),
		Turns:     sess.HistoryExcludingSystem(),
	})
}

// handleFiles handles GET /api/files?caseId=. Without a case id it lists the
// shared knowledge base.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		http.Error(w, "file storage not configured", http.StatusServiceUnavailable)
		return
	}
	scope := rag.AdminScope
	if id := r.URL.Query().Get("caseId"); id != "" {
		scope = rag.CaseScope(id)
	}
	if _, err := storage.Prefix(scope); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	files, err := s.files.ListFiles(r.Context(), scope)
	if err != nil {
		logging.FromContext(r.Context()).Error("files: list failed",
			slog.String("scope", string(scope)),
			slog.Any("error", err),
		)
		http.Error(w, "failed to list files", http.StatusBadGateway)
		return
	}
	if files == nil {
		files = []rag.FileInfo{}
	}
	writeJSON(r.Context(), w, http.StatusOK, filesResponse{Scope: string(scope), Files: files})
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// sessionFor resolves the request's session, translating a malformed id
// into a client error.
func (s *Server) sessionFor(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rag.ErrInvalidInput, err)
	}
	return sess, nil
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(ctx).Error("encode response", slog.Any("error", err))
	}
}
