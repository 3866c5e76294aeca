// Command fake-sandbox is a scripted stand-in for the desktop automation
// sandbox, for local runs and demos.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/xiaot623/applyrun/internal/logger"
	"go.uber.org/zap"
)

func main() {
	var (
		port     int
		step     time.Duration
		vncURL   string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:          "fake-sandbox",
		Short:        "Scripted desktop sandbox",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logLevel, "console")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recover())
			NewServer(step, vncURL, log).RegisterRoutes(e)

			go func() {
				addr := fmt.Sprintf(":%d", port)
				log.Info("fake sandbox listening", zap.String("addr", addr))
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("failed to start server", zap.Error(err))
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(ctx)
		},
	}
	rootCmd.Flags().IntVarP(&port, "port", "p", 9000, "listen port")
	rootCmd.Flags().DurationVar(&step, "step", 500*time.Millisecond, "pause between scripted events")
	rootCmd.Flags().StringVar(&vncURL, "vnc-url", "http://localhost:6080/vnc.html?autoconnect=true", "noVNC URL reported for sessions")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
