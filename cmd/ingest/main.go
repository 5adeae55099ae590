package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vanshika/fintrace/riskpipe/internal/config"
	"github.com/vanshika/fintrace/riskpipe/internal/generator"
	"github.com/vanshika/fintrace/riskpipe/internal/logging"
	"github.com/vanshika/fintrace/riskpipe/internal/service"
	"github.com/vanshika/fintrace/riskpipe/pkg/riskclient"
)

var errMissingDataset = errors.New("dataset not found")

func main() {
	_ = godotenv.Load()

	var (
		datasetDir   = flag.String("dataset-dir", "./data", "Directory containing transactions.json")
		transactions = flag.String("transactions", "", "Path to transactions.json (overrides dataset-dir)")
		gateway      = flag.String("gateway", riskclient.DefaultBaseURL, "Gateway base URL")
		clientID     = flag.String("client-id", os.Getenv("INGEST_CLIENT_ID"), "Client id used to sign requests")
		secret       = flag.String("secret", os.Getenv("INGEST_CLIENT_SECRET"), "Client secret used to sign requests")
		workers      = flag.Int("workers", 4, "Number of concurrent submitters")
	)
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging).With("component", "ingest")

	if *clientID == "" || *secret == "" {
		logger.Error("client id and secret are required")
		os.Exit(1)
	}

	txFile, err := resolveDatasetPath(*datasetDir, *transactions)
	if err != nil {
		logger.Error("dataset resolution failed", "error", err)
		os.Exit(1)
	}

	txs, err := generator.ReadTransactions(txFile)
	if err != nil {
		logger.Error("failed to load transactions", "error", err, "path", txFile)
		os.Exit(1)
	}
	if len(txs) == 0 {
		logger.Error("transactions dataset empty", "path", txFile)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := riskclient.New(riskclient.Options{ClientID: *clientID, Secret: *secret, BaseURL: *gateway})
	if !client.Health(ctx) {
		logger.Error("gateway is not healthy", "gateway", *gateway)
		os.Exit(1)
	}

	var accepted atomic.Int64
	start := time.Now()
	logger.Info("submitting transactions", "count", len(txs), "workers", *workers, "gateway", *gateway)
	err = service.ForEach(ctx, *workers, len(txs), func(ctx context.Context, idx int) error {
		if _, err := client.AssessTransaction(ctx, txs[idx]); err != nil {
			return fmt.Errorf("submit %s: %w", txs[idx].TxnID, err)
		}
		accepted.Add(1)
		return nil
	})
	if err != nil {
		logger.Error("submission finished with errors", "error", err, "accepted", accepted.Load())
		os.Exit(1)
	}

	logger.Info("submission complete", "duration", time.Since(start).String(), "accepted", accepted.Load())
}

func resolveDatasetPath(baseDir, explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("stat %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}
	path := filepath.Join(baseDir, generator.TransactionsFile)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", errMissingDataset, path)
	}
	return path, nil
}
