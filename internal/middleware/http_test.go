package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
	"github.com/charlesng35/sentinel/pkg/response"
)

func doRequest(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var payload response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func panicCount(t *testing.T, route string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.HTTPPanics.WithLabelValues(route).Write(&m))
	return m.GetCounter().GetValue()
}

func latencySamples(t *testing.T, route, status string) uint64 {
	t.Helper()
	var m dto.Metric
	hist, ok := metrics.APILatency.WithLabelValues(http.MethodGet, route, status).(interface{ Write(*dto.Metric) error })
	require.True(t, ok)
	require.NoError(t, hist.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRecoveryReturnsEnvelopeAndCountsPanic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/explode/:id", func(*gin.Context) { panic("boom") })

	before := panicCount(t, "/explode/:id")
	w := doRequest(r, httptest.NewRequest(http.MethodGet, "/explode/42", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	payload := decodeEnvelope(t, w)
	require.False(t, payload.Success)
	require.Equal(t, "INTERNAL_SERVER_ERROR", payload.Error.Code)
	require.NotContains(t, w.Body.String(), "boom")
	require.Equal(t, before+1, panicCount(t, "/explode/:id"))
}

func TestRecoveryAfterPartialWrite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/half", func(c *gin.Context) {
		c.String(http.StatusAccepted, "partial")
		panic("late")
	})

	w := doRequest(r, httptest.NewRequest(http.MethodGet, "/half", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "partial", w.Body.String())
}

func TestNotFoundHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.NoRoute(NotFoundHandler)

	w := doRequest(r, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", decodeEnvelope(t, w).Error.Code)
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Equal(t, DefaultContentSecurityPolicy, w.Header().Get("Content-Security-Policy"))
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	require.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	require.Empty(t, w.Header().Get("Strict-Transport-Security"), "plain http gets no HSTS")

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS")
	w = doRequest(r, req)
	require.Equal(t, hstsValue, w.Header().Get("Strict-Transport-Security"))
}

func TestMetricsRecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/audit/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := latencySamples(t, "/api/audit/:id", "204")
	scrapes := latencySamples(t, "unmatched", "200") + latencySamples(t, "/metrics", "200")

	doRequest(r, httptest.NewRequest(http.MethodGet, "/api/audit/abc", nil))
	doRequest(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, before+1, latencySamples(t, "/api/audit/:id", "204"))
	require.Equal(t, scrapes, latencySamples(t, "unmatched", "200")+latencySamples(t, "/metrics", "200"))
	var inflight dto.Metric
	require.NoError(t, metrics.HTTPInFlight.Write(&inflight))
	require.Zero(t, inflight.GetGauge().GetValue())
}

func TestAccessLogLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(zap.InfoLevel)
	restore := logger.Replace(zap.New(core))
	t.Cleanup(restore)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	doRequest(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	doRequest(r, httptest.NewRequest(http.MethodGet, "/bad", nil))

	entries := recorded.FilterMessage("request").All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.NotEmpty(t, entries[0].ContextMap()["request_id"])
	require.Equal(t, "/bad", entries[1].ContextMap()["path"])
}
