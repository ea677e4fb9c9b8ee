package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeRunner bool

func (r fakeRunner) Running() bool { return bool(r) }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("chain", Ping("chain", fakePinger{}))
	r.Register("rpc", Ping("rpc", fakePinger{err: errors.New("connection refused")}))
	r.Register("retry-sweeper", Worker("retry-sweeper", fakeRunner(true)))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, "chain", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
	assert.True(t, statuses[2].Healthy)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("custom", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "custom", statuses[0].Name)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestWorkerStopped(t *testing.T) {
	st := Worker("escrow-timer", fakeRunner(false))(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "not running", st.Detail)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry()
	r.Register("rpc", Ping("rpc", fakePinger{err: errors.New("down")}))

	router := gin.New()
	router.GET("/health", Handler(r, "test"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Len(t, body["checks"], 1)
}
