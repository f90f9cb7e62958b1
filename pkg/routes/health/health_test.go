package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return stderrors.New("dial tcp: connection refused") }

func get(t *testing.T, c *Checker, path string) (int, map[string]any) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestChecker_Health(t *testing.T) {
	tests := []struct {
		name       string
		backends   []Backend
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all healthy",
			backends:   []Backend{{Name: "database", Check: ok}, {Name: "redis", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "required backend down",
			backends:   []Backend{{Name: "database", Check: failing}, {Name: "redis", Check: ok}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "optional backend down",
			backends:   []Backend{{Name: "database", Check: ok}, {Name: "graph", Optional: true, Check: failing}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "required wins over optional",
			backends:   []Backend{{Name: "graph", Optional: true, Check: failing}, {Name: "database", Check: failing}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, NewChecker("test", tt.backends...), "/health")
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Len(t, body["checks"], len(tt.backends))
		})
	}
}

func TestChecker_Ready(t *testing.T) {
	c := NewChecker("test")

	code, _ := get(t, c, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	c.SetReady(true)
	code, body := get(t, c, "/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	code, _ = get(t, c, "/health/live")
	assert.Equal(t, http.StatusOK, code)
}
