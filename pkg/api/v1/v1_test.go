package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
)

func newTestDeps() Deps {
	reg := registry.New()
	reg.MustRegister("search", "", registry.Descriptor{Description: "web search"})
	reg.MustRegister("list_databases", "database", registry.Descriptor{Description: "list databases", Hidden: true})
	return Deps{
		Registry: reg,
		Router:   session.NewRouter(30 * time.Minute),
	}
}

func TestToolsRouterListExcludesHiddenByDefault(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	srv := httptest.NewServer(ToolsRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, decodeJSON(&http.Request{Body: resp.Body}, &body))
	assert.Equal(t, float64(1), body["count"])
}

func TestToolsRouterListIncludesHiddenWhenRequested(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	srv := httptest.NewServer(ToolsRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?include_hidden=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, decodeJSON(&http.Request{Body: resp.Body}, &body))
	assert.Equal(t, float64(2), body["count"])
}

func TestToolsRouterGetUnknownToolReturns404(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	srv := httptest.NewServer(ToolsRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthRouterHealth(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	srv := httptest.NewServer(HealthRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, decodeJSON(&http.Request{Body: resp.Body}, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthRouterReadyReportsCounts(t *testing.T) {
	t.Parallel()
	deps := newTestDeps()
	deps.Router.GetOrCreateSession(t.Context(), "worker-1", "database", nil, false, "")

	srv := httptest.NewServer(HealthRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, decodeJSON(&http.Request{Body: resp.Body}, &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, float64(2), body["tools_count"])
	assert.Equal(t, float64(1), body["active_workers"])
	assert.Equal(t, float64(1), body["total_sessions"])
}
