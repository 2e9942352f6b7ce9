package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mcpforge/internal/toolcache"
	"mcpforge/pkg/platformerrors"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, cfg RouterConfig) (*Router, *Registry) {
	t.Helper()
	reg := newTestRegistry(t)
	b := NewBalancer(reg, DefaultHealthCheckerConfig())
	return NewRouter(reg, b, cfg), reg
}

func doRequest(e *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGatewayHealthIsAlwaysOpen(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.AuthMode = AuthBearer
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/gateway/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuthRejectsMissingHeader(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.AuthMode = AuthBearer
	cfg.Credentials = map[string]string{"secret-token": "svc"}
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/gateway/registry", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(platformerrors.KindAuthFailed), body["error"]["type"])
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.AuthMode = AuthBearer
	cfg.Credentials = map[string]string{"secret-token": "svc"}
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/gateway/registry", nil, map[string]string{"Authorization": "Bearer secret-token"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthRejectsUnknownKey(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.AuthMode = AuthAPIKey
	cfg.Credentials = map[string]string{"good-key": "svc"}
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/gateway/registry", nil, map[string]string{"X-API-Key": "bad-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenModeRequiresNoAuth(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.AuthMode = AuthOpen
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/gateway/registry", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterThenDeregisterRoundTrip(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, reg := newTestRouter(t, cfg)
	e := rt.Engine()

	body, _ := json.Marshal(map[string]interface{}{
		"template_id": "demo",
		"instance":    Instance{InstanceID: "i1"},
	})
	rec := doRequest(e, http.MethodPost, "/gateway/register", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	routing, err := reg.Get("demo")
	require.NoError(t, err)
	require.Len(t, routing.Instances, 1)

	rec = doRequest(e, http.MethodDelete, "/mcp/demo/health", nil, nil) // sanity: DELETE on the GET-only health route is not routed
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/gateway/deregister/demo/i1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	routing, err = reg.Get("demo")
	require.NoError(t, err)
	assert.Empty(t, routing.Instances)
}

func TestToolsListReturns404ForUnknownTemplate(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/mcp/unknown/tools/list", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolsListReturns503WhenNoHealthyInstances(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, reg := newTestRouter(t, cfg)
	reg.Register("demo", Instance{InstanceID: "i1", Status: StatusUnhealthy})
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/mcp/demo/tools/list", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestToolsCallRejectsMissingBody(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, reg := newTestRouter(t, cfg)
	reg.Register("demo", Instance{InstanceID: "i1"})
	e := rt.Engine()

	rec := doRequest(e, http.MethodPost, "/mcp/demo/tools/call", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTemplateHealthReportsInstanceCounts(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, reg := newTestRouter(t, cfg)
	reg.Register("demo", Instance{InstanceID: "i1"})
	reg.Register("demo", Instance{InstanceID: "i2", Status: StatusUnhealthy})
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/mcp/demo/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["total_instances"])
	assert.Equal(t, float64(1), body["healthy_instances"])
}

// fakeDiscovery is a canned ToolDiscovery double.
type fakeDiscovery struct {
	result      toolcache.Result
	invalidated []string
}

func (f *fakeDiscovery) Discover(ctx context.Context, templateID string, now time.Time) (toolcache.Result, error) {
	return f.result, nil
}

func (f *fakeDiscovery) Invalidate(templateID string) {
	f.invalidated = append(f.invalidated, templateID)
}

func TestToolsDiscoverUsesCascadeNotRouting(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, _ := newTestRouter(t, cfg)
	disc := &fakeDiscovery{result: toolcache.Result{
		Tools:  []mcp.Tool{{Name: "say_hello"}},
		Method: toolcache.MethodStatic,
		Source: "static",
	}}
	rt.SetToolDiscovery(disc)
	e := rt.Engine()

	// no instance registered for "demo": forwarding routes would 404/503,
	// but discovery must still answer from the cascade.
	rec := doRequest(e, http.MethodGet, "/mcp/demo/tools/discover", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "static", body["method"])
	assert.Empty(t, disc.invalidated)

	rec = doRequest(e, http.MethodGet, "/mcp/demo/tools/discover?refresh=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"demo"}, disc.invalidated)
}

func TestToolsDiscoverWithoutDiscoveryConfigured(t *testing.T) {
	cfg := DefaultRouterConfig()
	rt, _ := newTestRouter(t, cfg)
	e := rt.Engine()

	rec := doRequest(e, http.MethodGet, "/mcp/demo/tools/discover", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
