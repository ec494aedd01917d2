// Package server exposes health, metrics and a read-only view of a running
// sync session over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nfrund/chatsync/internal/domain"
)

// HealthChecker reports whether the backend connection is usable.
type HealthChecker interface {
	IsHealthy() bool
}

// ConversationLister provides the current conversation list.
type ConversationLister interface {
	Conversations() []domain.Conversation
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E      *echo.Echo
	health HealthChecker
	list   ConversationLister
}

// New creates a server with its routes registered. list may be nil.
func New(health HealthChecker, list ConversationLister) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("HTTP request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	setupErrorHandling(e)

	s := &Server{E: e, health: health, list: list}
	s.RegisterRoutes()
	return s
}

// setupErrorHandling logs unhandled errors with a stack trace and hides
// their details from clients.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			if he.Code >= http.StatusInternalServerError {
				slog.Error("HTTP error", "status", he.Code, "error", err, "path", c.Path())
			}
			_ = c.JSON(he.Code, map[string]any{"error": he.Message})
			return
		}

		slog.Error("Internal Server Error (Unhandled)",
			"error", err.Error(),
			"path", c.Path(),
			"stack_trace", string(debug.Stack()),
		)
		_ = c.JSON(http.StatusInternalServerError, map[string]any{"error": http.StatusText(http.StatusInternalServerError)})
	}
}
