package server

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/casechat/internal/agent"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Deps{Sessions: session.NewManager(nil, session.ManagerOptions{})}, nil); err == nil {
		t.Error("New without an agent succeeded")
	}
	if _, err := New(Deps{Agent: stubAnswerer{}}, nil); err == nil {
		t.Error("New without sessions succeeded")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	caller := &Config{Logger: slog.Default(), MetricsRegistry: reg, MetricsGatherer: reg, RateBurst: 3}
	s, err := New(Deps{Agent: stubAnswerer{}, Sessions: session.NewManager(nil, session.ManagerOptions{})}, caller)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)

	if s.httpServer.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q", s.httpServer.Addr)
	}
	if s.cfg.ChatTimeout != 5*time.Minute || s.cfg.RateLimit != defaultRateLimit || s.cfg.RateBurst != 3 {
		t.Errorf("cfg = %+v", *s.cfg)
	}
	if caller.ChatTimeout != 0 {
		t.Error("New wrote defaults into the caller's Config")
	}
}

func TestNew_BracketsIPv6Host(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := New(Deps{Agent: stubAnswerer{}, Sessions: session.NewManager(nil, session.ManagerOptions{})},
		&Config{Host: "::1", Port: 9090, Logger: slog.Default(), MetricsRegistry: reg, MetricsGatherer: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)
	if s.httpServer.Addr != "[::1]:9090" {
		t.Errorf("Addr = %q", s.httpServer.Addr)
	}
}

// stubAnswerer is never asked anything in these tests.
type stubAnswerer struct{}

func (stubAnswerer) Answer(context.Context, string, rag.Scope, *session.Session, bool) (*agent.Result, error) {
	return nil, nil
}
