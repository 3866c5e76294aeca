// Package v1 provides the public HTTP handlers for runs.
package v1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/service"
	"go.uber.org/zap"
)

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	heartbeat time.Duration
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates a new handler. heartbeat is the SSE/WebSocket keepalive
// interval.
func NewHandler(svc *service.Service, heartbeat time.Duration, logger *zap.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:   svc,
		heartbeat: heartbeat,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/jobs/:job_id/tailor/desktop/start", h.StartDesktopRun)

	e.GET("/runs", h.ListRuns)
	e.GET("/runs/:run_id", h.GetRun)
	e.GET("/runs/:run_id/events", h.StreamRunEvents)
	e.GET("/runs/:run_id/ws", h.WatchRun)
	e.POST("/runs/:run_id/continue", h.ContinueRun)
	e.POST("/runs/:run_id/cancel", h.CancelRun)
	e.GET("/runs/:run_id/payload", h.GetPayload)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
