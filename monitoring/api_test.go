package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/registry"
)

type apiEnv struct {
	store   *MetricsStore
	alerts  *AlertManager
	handler http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store := newTestStore(t)
	alerts, err := NewAlertManager(store)
	require.NoError(t, err)
	reg := registry.New()
	_, err = reg.Register(context.Background(), healthyResolver("echo"))
	require.NoError(t, err)

	api := NewAPI(store, alerts, NewDashboardGenerator(store),
		NewSystemMetricsCollector(store), NewComponentHealthChecker(reg, store))
	return &apiEnv{store: store, alerts: alerts, handler: api.Handler()}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestLivenessAndCorrelation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])

	// A caller-supplied correlation id is echoed back unchanged.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	echo := httptest.NewRecorder()
	env.handler.ServeHTTP(echo, req)
	assert.Equal(t, "abc-123", echo.Header().Get("X-Correlation-ID"))
}

func TestRecordAndQueryPerformance(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/metrics/performance/record", Sample{
		Name: "resolve", Component: "echo", Value: 12.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	env.store.Flush()

	rec = env.do(t, http.MethodGet, "/metrics/performance?component=echo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []Sample
	decodeBody(t, rec, &samples)
	require.Len(t, samples, 1)
	assert.Equal(t, "resolve", samples[0].Name)
	assert.Equal(t, 12.5, samples[0].Value)
}

func TestRecordRejectsUnnamedSample(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/metrics/performance/record", Sample{Value: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "validation", body["kind"])
	assert.NotEmpty(t, body["correlation_id"])
}

func TestCollectEndpointHonorsTypeFilter(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/metrics/system/collect?type=goroutines", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.store.Flush()

	rec = env.do(t, http.MethodGet, "/metrics/system", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []Sample
	decodeBody(t, rec, &samples)
	require.Len(t, samples, 1)
	assert.Equal(t, "goroutines", samples[0].Name)

	rec = env.do(t, http.MethodPost, "/metrics/system/collect?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemQueryRejectsBadWindow(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics/system?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.alerts.Raise(context.Background(), "test", "high", "disk filling", nil))

	rec := env.do(t, http.MethodGet, "/alerts/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []Alert
	decodeBody(t, rec, &active)
	require.Len(t, active, 1)
	id := active[0].ID

	rec = env.do(t, http.MethodPost, "/alerts/"+id+"/acknowledge", alertNote{Note: "on it"})
	require.Equal(t, http.StatusOK, rec.Code)
	var alert Alert
	decodeBody(t, rec, &alert)
	assert.Equal(t, AlertAcknowledged, alert.Status)
	assert.Equal(t, []string{"on it"}, alert.Notes)

	rec = env.do(t, http.MethodPost, "/alerts/"+id+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Acknowledging a resolved alert is a 409.
	rec = env.do(t, http.MethodPost, "/alerts/"+id+"/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var conflict map[string]interface{}
	decodeBody(t, rec, &conflict)
	assert.Equal(t, "state", conflict["kind"])
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/alerts/nope/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardGenerateEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/dashboards/generate", sampleDashboard())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Fabric Overview")

	rec = env.do(t, http.MethodPost, "/dashboards/generate", DashboardDescriptor{ID: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComponentEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	// No rollup has run yet; the status map is empty but well-formed.
	rec := env.do(t, http.MethodGet, "/health/components", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", strings.TrimSpace(rec.Body.String()))

	rec = env.do(t, http.MethodPost, "/health/components/echo/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health registry.EntryHealth
	decodeBody(t, rec, &health)
	assert.Equal(t, "echo", health.Name)

	rec = env.do(t, http.MethodPost, "/health/components/ghost/check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/health/components/echo/check?timeout_ms=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
