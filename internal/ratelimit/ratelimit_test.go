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

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(limit int) (*Limiter, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: limit, Window: time.Minute, CleanupInterval: time.Hour})
	l.now = clk.now
	return l, clk
}

func TestLimiterAllow_FixedWindow(t *testing.T) {
	l, clk := newTestLimiter(3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("ip")
		assert.True(t, ok, "request %d", i)
	}
	ok, reset := l.Allow("ip")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, reset)

	clk.t = clk.t.Add(59 * time.Second)
	ok, reset = l.Allow("ip")
	assert.False(t, ok)
	assert.Equal(t, time.Second, reset)

	clk.t = clk.t.Add(time.Second)
	ok, _ = l.Allow("ip")
	assert.True(t, ok, "new window")
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(1)
	defer l.Stop()

	ok, _ := l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("a")
	assert.False(t, ok)
	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestLimiterStopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestAdminConfigDefaults(t *testing.T) {
	cfg := AdminConfig(0, 0)
	assert.Equal(t, 10, cfg.Limit)
	assert.Equal(t, time.Minute, cfg.Window)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(2)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes[i] = w.Code
		if i == 2 {
			require.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.Equal(t, "60", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
