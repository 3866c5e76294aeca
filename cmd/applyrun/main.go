// Command applyrun serves the run orchestrator: the external run API and the
// internal producer API.
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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/applyrun/internal/adapter/artifacts"
	"github.com/xiaot623/applyrun/internal/adapter/sandbox"
	"github.com/xiaot623/applyrun/internal/config"
	"github.com/xiaot623/applyrun/internal/logger"
	"github.com/xiaot623/applyrun/internal/policy"
	"github.com/xiaot623/applyrun/internal/repository"
	"github.com/xiaot623/applyrun/internal/service"
	transport "github.com/xiaot623/applyrun/internal/transport/http"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "applyrun",
		Short:         "Run orchestrator for desktop application runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("APPLYRUN_CONFIG"), "path to YAML config file")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "applyrun: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting applyrun",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("internal_port", cfg.InternalPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("desktop_api", cfg.DesktopAPI))

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	if cfg.FixturesFile != "" {
		fixtures, err := store.LoadFixtures(ctx, cfg.FixturesFile)
		if err != nil {
			return fmt.Errorf("failed to load fixtures: %w", err)
		}
		log.Info("fixtures loaded",
			zap.Int("jobs", len(fixtures.Jobs)),
			zap.Int("profiles", len(fixtures.Profiles)),
			zap.Int("tailor_results", len(fixtures.TailorResults)))
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	linker, err := artifacts.NewLinker(cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact linker: %w", err)
	}

	// Without a desktop API the service only accepts pushed events
	var sandboxClient service.Sandbox
	if cfg.DesktopAPI != "" {
		sandboxClient = sandbox.NewClient(cfg.DesktopAPI)
	} else {
		log.Warn("DESKTOP_API not set, running in push mode only")
	}

	svc := service.New(store, sandboxClient, linker, policyEngine, cfg, log)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go svc.RunMonitor(monitorCtx)

	opts := transport.Options{Heartbeat: cfg.SSEHeartbeat, Logger: log}
	externalServer := transport.NewExternalServer(svc, opts)
	internalServer := transport.NewInternalServer(svc, opts)

	errCh := make(chan error, 2)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("external server: %w", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal server: %w", err)
		}
	}()

	log.Info("servers started",
		zap.Int("external_port", cfg.HTTPPort),
		zap.Int("internal_port", cfg.InternalPort))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopMonitor()
	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shutdown external server gracefully", zap.Error(err))
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shutdown internal server gracefully", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to stop run workers", zap.Error(err))
	}

	log.Info("applyrun stopped")
	return runErr
}
