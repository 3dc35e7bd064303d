package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/casechat/internal/agent"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
)

// Config tunes the HTTP server. Zero values select the defaults applied by
// withDefaults.
type Config struct {
	Host string // 127.0.0.1
	Port int    // 8080

	ReadTimeout     time.Duration // 30s
	WriteTimeout    time.Duration // 5m; must outlast a streamed answer
	ShutdownTimeout time.Duration // 10s
	// ChatTimeout bounds one /api/chat request, stream included. 5m.
	ChatTimeout time.Duration

	Logger *slog.Logger

	// Pingers back /api/ready. With none the endpoint only reports liveness.
	Pingers []Pinger

	// Per-client token bucket on chat and file listing: 10/s, burst 20.
	RateLimit float64
	RateBurst int

	// APIKey protects /api/chat, /api/session and /api/files. Empty
	// disables authentication.
	APIKey string

	// Default to the process-wide Prometheus registry.
	MetricsRegistry prometheus.Registerer
	MetricsGatherer prometheus.Gatherer

	// StaticDir is served at / when set.
	StaticDir string
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	def(&c.ReadTimeout, 30*time.Second)
	def(&c.WriteTimeout, 5*time.Minute)
	def(&c.ShutdownTimeout, 10*time.Second)
	def(&c.ChatTimeout, 5*time.Minute)
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	if c.MetricsRegistry == nil {
		c.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if c.MetricsGatherer == nil {
		c.MetricsGatherer = prometheus.DefaultGatherer
	}
	return c
}

// answerer is satisfied by *agent.CaseAgent.
type answerer interface {
	Answer(ctx context.Context, question string, scope rag.Scope, sess *session.Session, stream bool) (*agent.Result, error)
}

// sessionSource is satisfied by *session.Manager.
type sessionSource interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

type Server struct {
	agent    answerer
	sessions sessionSource
	files    rag.FileLister // nil disables /api/files
	pingers  []Pinger

	cfg        *Config
	log        *slog.Logger
	metrics    *serverMetrics
	httpServer *http.Server
	stopRL     func()
}

// chatRequest is the body of POST /api/chat. An empty CaseID searches
// without a case filter; Stream defaults to true.
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	CaseID    string `json:"caseId"`
	Stream    *bool  `json:"stream,omitempty"`
}

// chatResponse answers a non-streaming chat. Error is set when Answer holds
// the apology.
type chatResponse struct {
	SessionID         string       `json:"sessionId"`
	Answer            string       `json:"answer"`
	Sources           []rag.Source `json:"sources"`
	Fallback          bool         `json:"fallback"`
	SearchUnavailable bool         `json:"searchUnavailable"`
	Error             string       `json:"error,omitempty"`
}

// sourcesEvent is the SSE "sources" payload.
type sourcesEvent struct {
	Sources           []rag.Source `json:"sources"`
	Fallback          bool         `json:"fallback"`
	SearchUnavailable bool         `json:"searchUnavailable"`
}

// sessionResponse replays a session without its system turn.
type sessionResponse struct {
	SessionID string         `json:"sessionId"`
	Turns     []session.Turn `json:"turns"`
}

type filesResponse struct {
	Scope string         `json:"scope"`
	Files []rag.FileInfo `json:"files"`
}
