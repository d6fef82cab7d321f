package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testContext returns a context canceled when the test finishes
// (stand-in for testing.T.Context, which requires Go 1.24).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.StoreBackend = backendMemory
	cfg.Server.DatabasePath = filepath.Join(dir, "quill.db")
	cm := &ConfigManager{config: cfg, configPath: filepath.Join(dir, "config.json"), logger: discardLogger()}

	s, err := NewServer(testContext(t), cm, discardLogger(), make(chan string, 1))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set(authHeader, key)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestTemplateLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{
		ID: "header", Name: "Header", Content: "<h1>{{title | upper}}</h1>", Category: "layout",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	header := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "1.0.0", header["metadata"].(map[string]any)["version"])
	assert.EqualValues(t, 1, header["stats"].(map[string]any)["variables"])

	rec = doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{
		ID: "page", Content: `{{include:header}}{{#each items}}[{{this}}]{{/each}}`,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: "page", Content: "dup"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/templates", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, rec), 2)

	rec = doRequest(t, s, http.MethodGet, "/api/templates?category=layout", nil, "")
	listed := decodeBody[[]map[string]any](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, "header", listed[0]["id"])

	rec = doRequest(t, s, http.MethodGet, "/api/templates?q=pg", nil, "")
	listed = decodeBody[[]map[string]any](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, "page", listed[0]["id"])

	rec = doRequest(t, s, http.MethodPost, "/api/templates/page/render", RenderRequest{
		Variables: map[string]any{"title": "hi", "items": []any{"a", "b"}},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rendered := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "<h1>HI</h1>[a][b]", rendered["result"])
	assert.EqualValues(t, 1, rendered["metadata"].(map[string]any)["inclusions"])

	rec = doRequest(t, s, http.MethodPut, "/api/templates/header", TemplateRequest{Content: "<h2>{{title}}</h2>"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "1.0.1", updated["metadata"].(map[string]any)["version"])
	assert.Equal(t, "Header", updated["name"])

	rec = doRequest(t, s, http.MethodDelete, "/api/templates/header", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/templates/header", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, s, http.MethodPut, "/api/templates/header", TemplateRequest{Content: "x"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplateRenderErrors(t *testing.T) {
	s := newTestServer(t)
	for id, content := range map[string]string{"a": "{{include:b}}", "b": "{{include:a}}"} {
		rec := doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: id, Content: content}, "")
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/templates/a/render", RenderRequest{}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "CircularInclude", decodeBody[map[string]string](t, rec)["kind"])

	rec = doRequest(t, s, http.MethodPost, "/api/templates/ghost/render", RenderRequest{}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: "broken", Content: "{{#each items}}no end"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: "../etc", Content: "x"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPatch, "/api/templates/a", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = doRequest(t, s, http.MethodPost, "/api/templates/a/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContentEndpoints(t *testing.T) {
	s := newTestServer(t)
	strict := false

	rec := doRequest(t, s, http.MethodPost, "/api/process", ContentRequest{
		Content:   "{{#each items}}{{@index}}:{{this}} {{/each}}{{missing}}",
		Variables: map[string]any{"items": []any{"a", "b"}},
		Strict:    &strict,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "0:a 1:b {{missing}}", res["result"])
	assert.Len(t, res["diagnostics"], 1)

	rec = doRequest(t, s, http.MethodPost, "/api/process", ContentRequest{Content: "{{missing}}"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "UnresolvedVariable", decodeBody[map[string]string](t, rec)["kind"])

	rec = doRequest(t, s, http.MethodPost, "/api/process", ContentRequest{Content: "<% require('fs') %>"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "SandboxViolation", decodeBody[map[string]string](t, rec)["kind"])

	rec = doRequest(t, s, http.MethodPost, "/api/preview", ContentRequest{
		Content:   "Total: <% a + b %>",
		Variables: map[string]any{"a": 2, "b": 3},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decodeBody[map[string]any](t, rec)
	assert.Equal(t, "Total: 5", res["result"])
	assert.Equal(t, true, res["preview"])

	rec = doRequest(t, s, http.MethodPost, "/api/validate", ContentRequest{Content: "{{name\n{{include:a}}{{include:a}}"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	validation := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, validation["valid"])
	assert.Contains(t, validation["errors"], "Unclosed '{{' at line 1")
	assert.EqualValues(t, 2, validation["includes"].(map[string]any)["total"])

	rec = doRequest(t, s, http.MethodGet, "/api/process", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/functions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	functions := decodeBody[FunctionsResponse](t, rec)
	assert.Contains(t, functions.Filters, "upper")
	assert.NotEmpty(t, functions.Helpers)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Description: "admin", Scopes: []string{"templates:read"}}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	master := decodeBody[CreateKeyResponse](t, rec)
	assert.Equal(t, []string{"*"}, master.Scopes)
	assert.Contains(t, master.RawKey, "quill_")

	rec = doRequest(t, s, http.MethodGet, "/api/templates", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/templates", nil, "quill_wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{"templates:read"}}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{"everything"}}, master.RawKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Description: "reader", Scopes: []string{"templates:read"}}, master.RawKey)
	require.Equal(t, http.StatusCreated, rec.Code)
	reader := decodeBody[CreateKeyResponse](t, rec)

	rec = doRequest(t, s, http.MethodGet, "/api/templates", nil, reader.RawKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: "x", Content: "x"}, reader.RawKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = doRequest(t, s, http.MethodPost, "/api/process", ContentRequest{Content: "x"}, reader.RawKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/auth/me", nil, reader.RawKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"templates:read"}, decodeBody[map[string]any](t, rec)["scopes"])

	rec = doRequest(t, s, http.MethodGet, "/api/auth/keys", nil, master.RawKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]APIKeyInfo](t, rec), 2)

	rec = doRequest(t, s, http.MethodDelete, "/api/auth/keys/1", nil, master.RawKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, s, http.MethodDelete, "/api/auth/keys/2", nil, master.RawKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/templates", nil, reader.RawKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthKeyRevocation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Description: "first"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[CreateKeyResponse](t, rec)

	rec = doRequest(t, s, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Description: "second", Scopes: []string{"*"}}, first.RawKey)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[CreateKeyResponse](t, rec)

	rec = doRequest(t, s, http.MethodDelete, "/api/auth/keys/99", nil, first.RawKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, s, http.MethodDelete, "/api/auth/keys/abc", nil, first.RawKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Another master key exists, so the first one can go.
	rec = doRequest(t, s, http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", first.ID), nil, second.RawKey)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/auth/me", nil, first.RawKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", second.ID), nil, second.RawKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/auth/me", nil, second.RawKey)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(second.ID), me["key_id"])
	assert.Equal(t, []any{"*"}, me["scopes"])
}

func TestRenderStats(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: "greet", Content: "Hi {{name}}"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	doRequest(t, s, http.MethodPost, "/api/templates/greet/render", RenderRequest{Variables: map[string]any{"name": "Ada"}}, "")
	doRequest(t, s, http.MethodPost, "/api/templates/greet/render", RenderRequest{}, "")
	doRequest(t, s, http.MethodPost, "/api/templates/greet/render", RenderRequest{Preview: true}, "")
	doRequest(t, s, http.MethodPost, "/api/process", ContentRequest{Content: "x"}, "")

	m, err := s.statsAPI.Metrics(testContext(t), "greet")
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalRenders)
	assert.Equal(t, 1, m.Failures)

	rec = doRequest(t, s, http.MethodGet, "/api/stats/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, GlobalStatsSummary{TotalRenders: 3, TotalFailures: 1, UniqueTemplates: 2}, decodeBody[GlobalStatsSummary](t, rec))

	rec = doRequest(t, s, http.MethodGet, "/api/stats/templates", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	top := decodeBody[[]TemplateMetrics](t, rec)
	require.Len(t, top, 2)
	assert.Equal(t, "greet", top[0].TemplateID)
	assert.Equal(t, adHocTemplateID, top[1].TemplateID)
}

func TestServerConfigEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/server/config", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[Config](t, rec)
	assert.Equal(t, 10, cfg.Templates.MaxDepth)

	cfg.Templates.MaxDepth = 1
	rec = doRequest(t, s, http.MethodPut, "/api/server/config", cfg, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.engine.processor.Config().MaxDepth)

	for id, content := range map[string]string{"outer": "{{include:inner}}", "inner": "{{include:leaf}}", "leaf": "x"} {
		doRequest(t, s, http.MethodPost, "/api/templates", TemplateRequest{ID: id, Content: content}, "")
	}
	rec = doRequest(t, s, http.MethodPost, "/api/templates/outer/render", RenderRequest{}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MaxDepthExceeded", decodeBody[map[string]string](t, rec)["kind"])

	cfg.Templates.MaxPasses = 0
	rec = doRequest(t, s, http.MethodPut, "/api/server/config", cfg, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, s.engine.processor.Config().MaxDepth)

	rec = doRequest(t, s, http.MethodGet, "/api/server/version", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Version, decodeBody[VersionInfo](t, rec).Version)
}

func TestServerActions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.StoreBackend = backendMemory
	cfg.Server.DatabasePath = filepath.Join(dir, "quill.db")
	cm := &ConfigManager{config: cfg, configPath: filepath.Join(dir, "config.json"), logger: discardLogger()}
	actions := make(chan string, 1)
	s, err := NewServer(testContext(t), cm, discardLogger(), actions)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	rec := doRequest(t, s, http.MethodPost, "/api/server/restart", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, actionRestart, <-actions)

	rec = doRequest(t, s, http.MethodGet, "/api/server/shutdown", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestBodyLimit(t *testing.T) {
	s := newTestServer(t)
	big := ContentRequest{Content: string(bytes.Repeat([]byte("x"), 5<<20))}
	rec := doRequest(t, s, http.MethodPost, "/api/process", big, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
