package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are exported from the start; vectors only after first observation.
	body := w.Body.String()
	for _, name := range []string{
		"taskescrow_active_websocket_clients",
		"taskescrow_async_settlements_in_flight",
		"taskescrow_nonce_resyncs_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}

	SettlementsTotal.WithLabelValues("release", "completed").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `taskescrow_settlements_total{op="release",status="completed"}`)
}

func TestObserveLedgerTx(t *testing.T) {
	ObserveLedgerTx("createEscrow", "success", time.Now().Add(-2*time.Second))

	m := &dto.Metric{}
	obs, err := LedgerTxDuration.GetMetricWithLabelValues("createEscrow", "success")
	require.NoError(t, err)
	require.NoError(t, obs.(interface{ Write(*dto.Metric) error }).Write(m))

	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleCount(), uint64(1))
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 2.0)
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/payments/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/pay_1", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	m := &dto.Metric{}
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/payments/:id", "4xx").Write(m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}
