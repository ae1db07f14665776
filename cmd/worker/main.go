// Package main provides the queue worker entry point for the campaign sync service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campaign-sync/internal/app"
	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/worker"
)

func main() {
	cfg, err := app.LoadConfig(config.RequirePostgres, config.RequireRedis, config.RequireExtraction)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg)
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	deps, err := app.New(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize dependencies")
	}
	defer deps.Close()

	queueWorker, err := worker.NewQueueWorker(worker.QueueWorkerConfig{
		Queue:        deps.Queue,
		PollInterval: cfg.Queue.PollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create queue worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queueWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start queue worker")
	}
	logger.WithField("pollInterval", cfg.Queue.PollInterval.String()).Info("Queue worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping worker...")

	// a pass in flight may take a while to reach a checkpoint
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := queueWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping queue worker")
	}

	status := queueWorker.GetStatus()
	logger.WithFields(map[string]interface{}{
		"jobsRun":   status.JobsRun,
		"lastError": status.LastError,
	}).Info("Queue worker stopped. Goodbye!")
}
