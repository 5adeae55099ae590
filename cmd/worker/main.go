package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vanshika/fintrace/riskpipe/internal/app"
	"github.com/vanshika/fintrace/riskpipe/internal/config"
	"github.com/vanshika/fintrace/riskpipe/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Queue.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "QUEUE_DRIVER=memory cannot be shared with a gateway process; use redis or amqp")
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging).With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to wire pipeline", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := pipeline.Close(context.Background()); err != nil {
			logger.Warn("closing pipeline failed", "error", err)
		}
	}()

	logger.Info("worker started", "queue", cfg.Queue.Driver, "consumers", cfg.Pipeline.Consumers)
	if err := pipeline.Run(ctx); err != nil {
		logger.Error("worker stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
