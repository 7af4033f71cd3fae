package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/apiversion"
	"github.com/taxpoynt/messagefabric/internal/config"
	"github.com/taxpoynt/messagefabric/internal/platform"
	"github.com/taxpoynt/messagefabric/pkg/json"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		AppEnv:          "development",
		AppName:         "messagefabric-test",
		RedisURL:        "redis://" + mr.Addr(),
		AppPort:         "0",
		QueuePersistDir: t.TempDir(),
		DeadLetterDir:   t.TempDir(),
		DrainTimeout:    time.Second,
	}

	p, err := platform.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Versions.Register(apiversion.Version{Major: 1, Full: "1.0.0", Status: apiversion.LifecycleStable}))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	return New(cfg, p, zap.NewNop())
}

func postJSON(t *testing.T, h http.Handler, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHealthzResponds(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "overall")
}

func TestRouteEndpointServesDevelopmentFallback(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/api/v1/route", map[string]interface{}{
		"target_role": "SI",
		"operation":   "get_invoice_status",
		"payload":     map[string]interface{}{"invoice_id": "inv-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["routing_successful"])
	assert.Equal(t, "get_invoice_status", resp["operation"])
	assert.Equal(t, "v1", rec.Header().Get("API-Version"))
}

func TestRegisterServiceAndListStats(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/api/v1/services", map[string]interface{}{
		"service_name": "invoice_service",
		"role":         "APP",
		"url":          "http://invoice.internal:8080/messages",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	statsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(statsRec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, statsRec.Code)
	assert.Contains(t, statsRec.Body.String(), "endpoint_count")
}

func TestUnknownAPIVersionRejected(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v9/stats", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScalingStatusAndManualScale(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/api/v1/scaling", map[string]interface{}{"target": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/v1/scaling", nil))
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	assert.InDelta(t, 2, resp["instances"], 0.1)
}
