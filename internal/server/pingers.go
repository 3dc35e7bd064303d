package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/provider"
)

// LLMPinger checks the chat backend. A provider health check is preferred;
// without one the model is asked for a single token, which is billed.
type LLMPinger struct {
	model       model.BaseChatModel
	healthCheck provider.HealthChecker
	name        string
}

// NewLLMPinger labels the probe with the backend name. hc may be nil.
func NewLLMPinger(m model.BaseChatModel, hc provider.HealthChecker, name string) *LLMPinger {
	return &LLMPinger{model: m, healthCheck: hc, name: name}
}

func (p *LLMPinger) Name() string { return p.name }

func (p *LLMPinger) Ping(ctx context.Context) error {
	switch {
	case p.healthCheck != nil:
		if err := p.healthCheck.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	case p.model == nil:
		return fmt.Errorf("%s: no model configured", p.name)
	}

	logging.FromContext(ctx).Warn("readiness: probing model with a one-token completion",
		slog.String("backend", p.name),
	)
	msg, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")}, model.WithMaxTokens(1))
	switch {
	case err != nil:
		return fmt.Errorf("%s: generate: %w", p.name, err)
	case msg == nil:
		return fmt.Errorf("%s: generate returned no message", p.name)
	}
	return nil
}

// dependency is a named probe of a store or service.
type dependency struct {
	name  string
	probe func(context.Context) error
}

// Dependency labels probe for readiness reports. Vector stores, the history
// database and the S3 bucket all expose a context-aware Ping or PingContext
// that fits here.
func Dependency(name string, probe func(context.Context) error) Pinger {
	return dependency{name: name, probe: probe}
}

func (d dependency) Name() string { return d.name }

func (d dependency) Ping(ctx context.Context) error {
	if d.probe == nil {
		return errors.New("no probe configured")
	}
	return d.probe(ctx)
}
