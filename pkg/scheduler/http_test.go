package scheduler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srand/buildmaster/pkg/locks"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/workers"
)

func get(t *testing.T, r *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHttpMetrics(t *testing.T) {
	registry := locks.NewRegistry()
	d := NewDispatcher(queue.NewQueue(queue.NewMemoryStore(), time.Minute), workers.NewPool(), registry, nil, nil)
	require.NoError(t, d.Configure(&Config{
		Builders: []BuilderConfig{newBuilder("linux", noopStep("a"))},
		Locks:    []locks.Definition{{Name: "db"}},
	}))

	_, err := registry.Acquire("db", "1")
	require.NoError(t, err)

	r := echo.New()
	NewHttpHandler(d, r)

	rec := get(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "buildmaster_builds 0\n")
	assert.Contains(t, body, "buildmaster_builds_total 0\n")
	assert.Contains(t, body, "buildmaster_builds_result_total{result=\"success\"} 0\n")
	assert.Contains(t, body, "buildmaster_workers 0\n")
	assert.Contains(t, body, "buildmaster_lock_holders{lock=\"db\"} 1\n")
	assert.Contains(t, body, "buildmaster_lock_waiters{lock=\"db\"} 0\n")
}

func TestHttpHealth(t *testing.T) {
	d := NewDispatcher(queue.NewQueue(queue.NewMemoryStore(), time.Minute), workers.NewPool(), locks.NewRegistry(), nil, nil)

	r := echo.New()
	NewHttpHandler(d, r)

	rec := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	d.Lock()
	d.health = assert.AnError
	d.Unlock()

	rec = get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, assert.AnError.Error(), rec.Body.String())
}
