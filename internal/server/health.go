package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/casechat/internal/logging"
)

// probeTimeout bounds each dependency probe so a hung backend reports as
// down instead of stalling /api/ready.
const probeTimeout = 5 * time.Second

// Pinger reports whether one dependency (model backend, vector store, file
// storage, history database) is reachable. Implementations must be safe for
// concurrent use.
type Pinger interface {
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness output, e.g. "qdrant".
	Name() string
}

// MultiPinger probes several dependencies at once.
type MultiPinger struct {
	pingers []Pinger
}

// NewMultiPinger groups pingers into one.
func NewMultiPinger(pingers ...Pinger) *MultiPinger {
	return &MultiPinger{pingers: pingers}
}

// Ping probes every dependency concurrently and joins the failures, each
// prefixed with its dependency name, in registration order.
func (m *MultiPinger) Ping(ctx context.Context) error {
	var errs []error
	for _, c := range probeAll(ctx, m.pingers) {
		if c.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, c.err))
		}
	}
	return errors.Join(errs...)
}

// Name implements Pinger.
func (m *MultiPinger) Name() string { return "multi" }

// readyCheck is one dependency's line in the /api/ready body.
type readyCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	err error
}

type readyResponse struct {
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// probeAll runs every pinger under its own probeTimeout. Results keep the
// order of pingers regardless of completion order.
func probeAll(ctx context.Context, pingers []Pinger) []readyCheck {
	checks := make([]readyCheck, len(pingers))
	var g errgroup.Group
	for i, p := range pingers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			err := p.Ping(pctx)
			checks[i] = readyCheck{
				Name:      p.Name(),
				OK:        err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
				err:       err,
			}
			if err != nil {
				checks[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

// handleReady serves GET /api/ready: 200 when every dependency answers, 503
// otherwise. /api/health stays 200 for as long as the process is up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{Ready: true, Checks: probeAll(r.Context(), s.pingers)}
	for _, c := range resp.Checks {
		if c.OK {
			continue
		}
		resp.Ready = false
		log.Warn("readiness probe failed",
			slog.String("dependency", c.Name),
			slog.Int64("latency_ms", c.LatencyMS),
			slog.Any("error", c.err),
		)
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, status, resp)
}
