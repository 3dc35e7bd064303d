package tracing

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv_DefaultHost(t *testing.T) {
	t.Setenv("LANGFUSE_HOST", "")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, "pk", cfg.PublicKey)
	assert.False(t, cfg.Enabled())
}

func TestSetup_DisabledWithoutKeys(t *testing.T) {
	t.Parallel()

	handler, flush, ok := Setup(Config{Host: DefaultHost, PublicKey: "pk"})
	assert.False(t, ok)
	assert.Nil(t, handler)
	assert.Nil(t, flush)
}

func TestInstall_DisabledReturnsNoop(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	flush := Install(Config{}, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.NotNil(t, flush)
	assert.NotPanics(t, flush)
	assert.Contains(t, buf.String(), "langfuse tracing disabled")
}
