// main package for the voice render service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/app"
	"github.com/book-expert/voice-render-service/internal/config"
	"github.com/book-expert/voice-render-service/internal/worker"
)

const (
	bootstrapLogFile = "voice-render-bootstrap.log"
	serviceLogFile   = "voice-render-service.log"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run(ctx context.Context) error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer bootstrapLog.Close()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	pipeline, err := app.NewPipeline(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to build render pipeline: %v", err)

		return err
	}

	defer func() {
		closeErr := pipeline.Close()
		if closeErr != nil {
			finalLog.Error("Failed to close metrics store: %v", closeErr)
		}
	}()

	natsConnection, stores, err := app.Connect(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to connect to NATS: %v", err)

		return err
	}

	defer natsConnection.Close()

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		app.Subjects(cfg),
		stores,
		pipeline.Processor,
		pipeline.Thermal,
		pipeline.History,
		finalLog,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	finalLog.System("Voice render service initialized. Listening for jobs on subject: %s",
		cfg.NATS.TextProcessedSubject)

	err = natsWorker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		finalLog.Error("Worker stopped with error: %v", err)

		return err
	}

	finalLog.System("Voice render service stopped.")

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
