package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/songforge/internal/bootstrap"
	"github.com/cuongbtq/songforge/internal/config"
	"github.com/cuongbtq/songforge/internal/store"
	"github.com/cuongbtq/songforge/internal/worker"
	"github.com/cuongbtq/songforge/internal/workflow"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.Logger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("admission_backend", cfg.Admission.Backend),
	)

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.PostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.RabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Initialize admission controller
	controller, closeAdmission, err := bootstrap.Admission(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize admission controller: %w", err)
	}
	defer closeAdmission()

	// Initialize gateway client
	gatewayClient, err := bootstrap.Gateway(&cfg.Gateway, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway client: %w", err)
	}

	jobStore := store.NewStore(dbClient, appLogger.Component("store"))
	engine := workflow.NewEngine(jobStore, gatewayClient, controller, workflow.Config{
		DebitAmount:    cfg.Workflow.DebitAmount,
		JobTimeout:     cfg.Worker.JobTimeout,
		PersistTimeout: cfg.Workflow.PersistTimeout,
	}, appLogger.Component("workflow"))

	// Create worker instance
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Component("worker"),
		Runner:            engine,
		Heartbeats:        jobStore,
		Broker:            rabbitClient,
		WorkerID:          workerID(),
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MaxWaitingPerUser: cfg.Worker.MaxWaitingPerUser,
		DeferDelay:        cfg.Worker.DeferDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err == nil {
			err = errors.New("delivery channel closed")
		}
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		runErr = err
	}

	// Cancel context to stop worker; in-flight jobs are requeued
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// workerID names this process in logs and consumer tags
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
