package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/casechat/internal/env"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/server"
	"github.com/54b3r/casechat/internal/tracing"
)

// NewServeCmd constructs the `casechat serve` command, which starts the
// HTTP API: chat over SSE, session replay, file listing, probes and metrics.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var staticDir string
	var check bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the casechat HTTP server",
		Long: `Start the casechat HTTP server.

Endpoints:
  POST /api/chat      answer a question (SSE by default, JSON with "stream": false)
  GET  /api/session   replay a conversation, or start one with the greeting
  GET  /api/files     list the files of a case or of the shared knowledge base
  GET  /api/health    liveness
  GET  /api/ready     readiness of the model, vector store and storage
  GET  /metrics       Prometheus metrics

Use --check to probe every dependency once and exit non-zero on failure.

Examples:
  casechat serve
  casechat serve --port 9090 --static ./web
  VECTOR_BACKEND=postgres POSTGRES_DSN=postgres://... casechat serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Config files are applied in PersistentPreRunE, after flag
			// defaults were fixed, so env is consulted here.
			if !cmd.Flags().Changed("host") {
				host = env.String("CASECHAT_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = env.Int("CASECHAT_PORT", port)
			}

			flush := tracing.Install(tracing.ConfigFromEnv(), log)
			defer flush()

			st, err := buildChatStack(ctx, log, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			if check {
				return checkDependencies(ctx, log, st.pingers)
			}

			srv, err := server.New(server.Deps{
				Agent:    st.agent,
				Sessions: st.sessions,
				Files:    st.files,
			}, &server.Config{
				Host:        host,
				Port:        port,
				ChatTimeout: env.Duration("CASECHAT_CHAT_TIMEOUT", 0),
				Logger:      log,
				Pingers:     st.pingers,
				RateLimit:   float64(env.Float32("CASECHAT_RATE_LIMIT", 0)),
				RateBurst:   env.Int("CASECHAT_RATE_BURST", 0),
				APIKey:      env.String("CASECHAT_API_KEY", ""),
				StaticDir:   staticDir,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env CASECHAT_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env CASECHAT_PORT)")
	cmd.Flags().StringVar(&staticDir, "static", "", "Directory with a bundled UI to serve at /")
	cmd.Flags().BoolVar(&check, "check", false, "Probe all dependencies and exit")

	return cmd
}

// checkDependencies probes every dependency in order and reports the
// first one that is unreachable.
func checkDependencies(ctx context.Context, log *slog.Logger, pingers []server.Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.NewMultiPinger(pingers...).Ping(ctx); err != nil {
		return fmt.Errorf("serve: check failed: %w", err)
	}
	names := make([]string, 0, len(pingers))
	for _, p := range pingers {
		names = append(names, p.Name())
	}
	log.Info("check: all dependencies reachable", slog.Any("dependencies", names))
	return nil
}
