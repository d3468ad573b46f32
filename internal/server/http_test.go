package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piigate/internal/auditlog"
	"piigate/internal/core"
	"piigate/internal/guardrail"
	"piigate/internal/kvstore"
	"piigate/internal/masking"
	"piigate/internal/observability"
	"piigate/internal/pii"
	"piigate/internal/pipeline"
	"piigate/internal/pricing"
	"piigate/internal/providers/fake"
)

type quietRecognizer struct{}

func (quietRecognizer) Recognize(context.Context, string, string) ([]pii.Entity, error) {
	return nil, nil
}
func (quietRecognizer) Available() bool { return true }

func newTestServer(t *testing.T, cfg *Config) (*Server, *fake.Provider) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := kvstore.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })

	engine, err := guardrail.NewEngine(&guardrail.Config{})
	require.NoError(t, err)

	provider := fake.New()
	p := pipeline.New(
		pii.NewDetector(quietRecognizer{}, logger),
		masking.NewStore(kv, 0, logger),
		engine,
		nil,
		provider,
		pricing.NewTable(),
		auditlog.NopWriter{},
		observability.NewMetrics(prometheus.NewRegistry()),
		pipeline.Config{ProviderName: "fake"},
		logger,
	)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = logger
	return New(p, provider, cfg), provider
}

func chatBody(content string) *strings.Reader {
	return strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"` + content + `"}]}`)
}

func doJSON(srv *Server, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletion(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/chat/completions", chatBody("My email is test@example.com"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp core.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: My email is test@example.com", resp.Text())

	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Session-Id"), "session_"))
}

func TestChatCompletionDetectionModeHeader(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/chat/completions", chatBody("hello"),
		map[string]string{"X-Detection-Mode": "detailed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "detailed", rec.Header().Get("X-Detection-Mode"))
}

func TestChatCompletionValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gpt-4o-mini","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(srv, http.MethodPost, "/v1/chat/completions", strings.NewReader(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatCompletionProviderError(t *testing.T) {
	srv, provider := newTestServer(t, nil)
	provider.SetError(core.NewProviderError("fake", 502, "upstream down", nil))

	rec := doJSON(srv, http.MethodPost, "/v1/chat/completions", chatBody("hi"), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_error")
}

func TestRequestIDEcho(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/chat/completions", chatBody("hi"),
		map[string]string{"X-Request-Id": "req-abc-123"})
	assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-Id"))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fake-chat")
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, &Config{MasterKey: "secret", MetricsEnabled: true})

	// Public paths skip authentication.
	rec := doJSON(srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// API paths require the key.
	rec = doJSON(srv, http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/models", nil,
		map[string]string{"Authorization": "Basic secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/models", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/models", nil,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &Config{MetricsEnabled: false})

	rec := doJSON(srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
