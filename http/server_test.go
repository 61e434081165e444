package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/config"
)

func TestHealthHandler(t *testing.T) {
	e := NewEchoServer(config.ServerConfig{UserHeader: "X-User-ID"})
	e.GET("/health", HealthHandler("dossio", "1.0.0", func() map[string]interface{} {
		return map[string]interface{}{"store": "memory"}
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "dossio", resp.Service)
	assert.Equal(t, "memory", resp.Details["store"])
}

func TestErrorHandlerShapesBody(t *testing.T) {
	e := NewEchoServer(config.ServerConfig{})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "idempotency key reuse")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Conflict", resp.Error)
	assert.Equal(t, "idempotency key reuse", resp.Message)
}
