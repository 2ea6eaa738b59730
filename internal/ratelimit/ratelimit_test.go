package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newClockedLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	l, now := newClockedLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"), "burst exhausted")

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("ip"), "one token refilled after a second at 60/min")
	assert.False(t, l.Allow("ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newClockedLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Config{RequestsPerMinute: 0, BurstSize: 1})
	assert.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("ip"))
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiterSweepsIdleCallers(t *testing.T) {
	l, now := newClockedLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	l.Allow("old")
	*now = now.Add(2 * time.Minute)
	l.Allow("new")
	assert.Equal(t, 1, l.Len())
}

func TestMiddleware(t *testing.T) {
	l, _ := newClockedLimiter(Config{RequestsPerMinute: 30, BurstSize: 2})

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/pay", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/pay", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1").Code)

	w := do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusOK, do("10.0.0.2").Code)
}
