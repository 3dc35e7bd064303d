package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Mistral(t *testing.T) {
	t.Parallel()
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	hc := NewHealthChecker(&Config{
		Backend: BackendMistral,
		Mistral: ProviderMistral{APIKey: "secret", BaseURL: srv.URL + "/v1/"},
	})
	if err := hc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() = %v", err)
	}
	if gotPath != "/v1/models" {
		t.Errorf("path = %q, want /v1/models", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestHealthChecker_Ollama_Unhealthy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	hc := NewHealthChecker(&Config{Backend: BackendOllama, Ollama: ProviderOllama{Host: srv.URL}})
	if err := hc.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck() = nil, want error for 503")
	}
}

func TestHealthChecker_BedrockHasNone(t *testing.T) {
	t.Parallel()
	if hc := NewHealthChecker(&Config{Backend: BackendBedrock}); hc != nil {
		t.Errorf("NewHealthChecker(bedrock) = %T, want nil", hc)
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()
	if got := redact("https://x/models?key=abc"); got != "https://x/models" {
		t.Errorf("redact() = %q", got)
	}
}
