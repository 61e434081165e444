// Package http builds the echo server the API mounts on: standard
// middleware, the health endpoint, and graceful start/stop.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"dossio.org/common"
	"dossio.org/config"
)

// NewEchoServer creates an echo instance with the standard middleware stack.
// No write timeout is configured: SSE responses stream indefinitely.
func NewEchoServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger())

	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				"Idempotency-Key",
				cfg.UserHeader,
			},
		}))
	}

	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	return e
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			common.Logger.WithFields(map[string]interface{}{
				"method": c.Request().Method,
				"uri":    c.Request().RequestURI,
				"status": c.Response().Status,
			}).Info("request")
			return err
		}
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler reports service liveness plus per-component details.
func HealthHandler(serviceName, version string, detailsFunc func() map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		var details map[string]interface{}
		if detailsFunc != nil {
			details = detailsFunc()
		}
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
			Details: details,
		})
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}
	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: message}); err != nil {
		common.Logger.WithError(err).Warn("failed to write error response")
	}
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func Start(ctx context.Context, e *echo.Echo, cfg config.ServerConfig) error {
	s := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ReadTimeout: cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		common.Logger.WithField("addr", s.Addr).Info("http server listening")
		if err := e.StartServer(s); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	common.Logger.Info("http server stopped")
	return nil
}
