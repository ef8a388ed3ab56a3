// Package main is the entry point for the cmdq service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/api"
	"github.com/kandev/cmdq/internal/command/catalog"
	"github.com/kandev/cmdq/internal/command/coordinator"
	"github.com/kandev/cmdq/internal/command/retry"
	"github.com/kandev/cmdq/internal/command/streaming"
	"github.com/kandev/cmdq/internal/common/config"
	"github.com/kandev/cmdq/internal/common/constants"
	"github.com/kandev/cmdq/internal/common/httpmw"
	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("cmdq exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingEnabled, err := tracing.Init(ctx, tracing.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}
	log.Info("Starting cmdq...", zap.Bool("tracing", tracingEnabled))

	// 3. Status ledger and its storage
	statusLedger, storageCleanups, err := provideLedger(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer runCleanups(storageCleanups, log)

	// 4. Kind catalog
	kinds, err := catalog.Load(cfg.Execution.KindsFile)
	if err != nil {
		return fmt.Errorf("failed to load kind catalog: %w", err)
	}

	// 5. Event bus
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer runCleanups([]func() error{busCleanup}, log)

	// 6. Coordinator
	coord, err := coordinator.New(coordinator.Config{
		MaxConcurrency:    cfg.Execution.MaxConcurrency,
		CancelGracePeriod: cfg.Execution.CancelGracePeriod(),
		QueueLimit:        cfg.Execution.QueueLimit,
	}, statusLedger, kinds, log, coordinator.WithEventBus(eventBus))
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	runner := retry.NewRunner(coord, retry.Policy{
		Limit: cfg.Execution.RetryLimit,
		Delay: cfg.Execution.RetryDelay(),
	}, log)

	go pruneLoop(ctx, coord, cfg.Execution.PruneAfter(), log)

	// 7. WebSocket hub fed from the event bus
	wsHub := streaming.NewHub(log)
	go wsHub.Run(ctx)
	sub, err := wsHub.Attach(eventBus)
	if err != nil {
		return fmt.Errorf("failed to subscribe websocket hub: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	origins := httpmw.NewOriginPolicy(cfg.Server.AllowedOrigins)
	if cfg.Execution.AllowOverrides {
		log.Warn("Request executable and env overrides are enabled")
	}
	router := api.NewRouter(
		api.NewHandler(coord, runner, kinds, log, api.WithRequestOverrides(cfg.Execution.AllowOverrides)),
		streaming.NewWSHandler(wsHub, coord, origins, log),
		origins,
		log,
	)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down cmdq...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
	}

	// 10. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := coord.Close(shutdownCtx); err != nil {
		log.Error("Coordinator shutdown error", zap.Error(err))
	}
	cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("cmdq stopped")
	return nil
}
