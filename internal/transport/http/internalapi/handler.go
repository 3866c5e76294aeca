// Package internalapi provides HTTP handlers for run producers.
// These APIs are only reachable from inside the deployment: the sandbox or
// any push-mode producer posts events here.
package internalapi

import (
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/applyrun/internal/service"
	"go.uber.org/zap"
)

// Handler handles internal HTTP requests from producers.
type Handler struct {
	service *service.Service
	logger  *zap.Logger
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/internal/runs/:run_id/events", h.PostEvent)
	e.POST("/internal/runs/:run_id/disconnect", h.Disconnect)
	e.POST("/internal/runs/:run_id/gate/wait", h.WaitGate)
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)
}
