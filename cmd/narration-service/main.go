// main package for the narration-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/assembler"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/httpapi"
	"github.com/book-expert/narration-service/internal/metadata"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/orchestrator"
	"github.com/book-expert/narration-service/internal/synthesis"
	"github.com/book-expert/narration-service/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "narration-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return runService(cfg, finalLog)
}

func runService(cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	synthClient := synthesis.NewClient(
		cfg.Synthesis.BaseURL,
		time.Duration(cfg.Synthesis.TimeoutSeconds)*time.Second,
		cfg.Synthesis.Voice,
	)

	tracker := metadata.NewTracker(store)
	asm := assembler.New(store, tracker)
	orch := orchestrator.New(
		store,
		synthClient,
		tracker,
		asm,
		log,
		cfg.Generation.MaxChunkChars,
		cfg.Generation.DispatchBatchSize,
	)

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.TextProcessedSubject,
		cfg.NATS.AudioChunkCreatedSubject,
		store,
		orch,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create NATS worker: %w", err)
	}

	articles := httpapi.NewStoreArticleSource(store)
	server := httpapi.NewServer(orch, articles, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workerErrChan := make(chan error, 1)

	go func() {
		workerErrChan <- natsWorker.Run(ctx)
	}()

	serverErrChan := make(chan error, 1)

	go func() {
		serverErrChan <- server.Start(cfg.HTTP.ListenAddress)
	}()

	log.System(
		"Narration-Service initialized. Listening for jobs on subject %s, serving HTTP on %s",
		cfg.NATS.TextProcessedSubject,
		cfg.HTTP.ListenAddress,
	)

	select {
	case <-ctx.Done():
	case err = <-serverErrChan:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Warn("HTTP server shutdown failed: %v", shutdownErr)
	}

	workerErr := <-workerErrChan
	if workerErr != nil {
		return workerErr
	}

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
