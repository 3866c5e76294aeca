// Package http provides the HTTP servers for run control and producers.
package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/applyrun/internal/logger"
	"github.com/xiaot623/applyrun/internal/service"
	"github.com/xiaot623/applyrun/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/applyrun/internal/transport/http/v1"
	"go.uber.org/zap"
)

// Options tunes the servers beyond the service they front.
type Options struct {
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// NewExternalServer creates and configures the external-facing HTTP server.
// This server handles the run API used by clients and the form-fill agent.
func NewExternalServer(svc *service.Service, opts Options) *echo.Echo {
	log := logger.Component(opts.Logger, "http.external")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, opts.Heartbeat, log)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}

// NewInternalServer creates and configures the internal-facing HTTP server.
// This server handles event ingestion from sandboxes and other producers.
func NewInternalServer(svc *service.Service, opts Options) *echo.Echo {
	log := logger.Component(opts.Logger, "http.internal")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(svc, log)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}
