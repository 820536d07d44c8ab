package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tobias/mealtrace/internal/api"
	"github.com/tobias/mealtrace/internal/config"
	"github.com/tobias/mealtrace/internal/events"
	"github.com/tobias/mealtrace/internal/logger"
	"github.com/tobias/mealtrace/internal/repository"
	"github.com/tobias/mealtrace/internal/service"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}

	// Initialize repositories
	runRepo := repository.NewRunRepository(db)
	resultRepo := repository.NewResultRepository(db)
	historyRepo := repository.NewHistoryRepository(db)

	// Initialize event broker
	broker := events.NewBroker(appLogger)

	// Initialize services
	analyzer := service.NewAnalyzer(historyRepo, &cfg.Diagnosis)
	researchService := service.NewResearchService(&cfg.Research)
	coordinator := service.NewCoordinator(analyzer, runRepo, resultRepo, broker)

	retry := service.RetryPolicy{
		MaxAttempts: cfg.Research.MaxAttempts,
		BaseDelay:   cfg.Research.BaseDelay,
	}
	executor := service.NewExecutor(
		researchService,
		runRepo,
		resultRepo,
		historyRepo,
		broker,
		coordinator,
		retry,
		cfg.Diagnosis.Workers,
		cfg.Diagnosis.QueueSize,
	)
	coordinator.AttachQueue(executor)

	// Start the worker pool
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	executor.Start(workerCtx)

	// Setup router
	router := api.SetupRouter(coordinator, runRepo, resultRepo, broker, &cfg.Server, appLogger)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting API server on port %d (mode=%s)", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown: %v", err)
	}

	// Drain in-flight diagnosis tasks before exiting
	executor.Stop()

	logger.Info("Server exited")
}
