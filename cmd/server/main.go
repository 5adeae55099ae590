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
	"github.com/vanshika/fintrace/riskpipe/internal/server"
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

	logger := logging.New(cfg.Logging)

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

	srv := server.New(logger, cfg.HTTP, pipeline.Handler())

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()

	consumersDone := make(chan struct{})
	if cfg.Pipeline.Embedded {
		logger.Info("running embedded pipeline", "consumers", cfg.Pipeline.Consumers)
		go func() {
			defer close(consumersDone)
			if err := pipeline.Run(ctx); err != nil {
				errCh <- fmt.Errorf("pipeline: %w", err)
			}
		}()
	} else {
		close(consumersDone)
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	select {
	case <-consumersDone:
	case <-shutdownCtx.Done():
		logger.Warn("consumers did not stop before the shutdown timeout")
	}
}
