package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vanshika/fintrace/riskpipe/internal/generator"
)

func main() {
	cfg := generator.DefaultConfig()
	var (
		users        = flag.Int("users", cfg.NumUsers, "number of background users")
		transactions = flag.Int("transactions", cfg.NumTransactions, "number of background transfers")
		rings        = flag.Int("rings", cfg.Rings, "number of planted transfer rings")
		minRing      = flag.Int("min-ring", cfg.MinRingSize, "smallest planted ring")
		maxRing      = flag.Int("max-ring", cfg.MaxRingSize, "largest planted ring")
		mules        = flag.Int("mules", cfg.Mules, "number of planted mule accounts")
		muleFanIn    = flag.Int("mule-fan-in", cfg.MuleFanIn, "distinct senders per mule")
		highValue    = flag.Float64("high-value-chance", cfg.HighValueChance, "probability of a transfer above the amount threshold")
		foreign      = flag.Float64("foreign-chance", cfg.ForeignCurrencyChance, "probability of a non-INR transfer")
		seed         = flag.Int64("seed", cfg.Seed, "random seed for deterministic generation")
		outputDir    = flag.String("output-dir", "data", "directory to write transactions.json and manifest.json")
		writeStdout  = flag.Bool("stdout", false, "write combined dataset to stdout instead of files")
	)
	flag.Parse()

	genCfg := generator.Config{
		NumUsers:              *users,
		NumTransactions:       *transactions,
		Rings:                 *rings,
		MinRingSize:           clampRing(*minRing),
		MaxRingSize:           clampRing(*maxRing),
		Mules:                 *mules,
		MuleFanIn:             *muleFanIn,
		HighValueChance:       clampProbability(*highValue),
		ForeignCurrencyChance: clampProbability(*foreign),
		Seed:                  *seed,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dataset, err := generator.New(genCfg).Generate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generation failed: %v\n", err)
		os.Exit(1)
	}

	if *writeStdout {
		if err := json.NewEncoder(os.Stdout).Encode(dataset); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write dataset to stdout: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := generator.WriteDataset(dataset, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dataset: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "Generated %d transactions (%d rings, %d mules) into %s\n",
		len(dataset.Transactions), len(dataset.Manifest.Rings), len(dataset.Manifest.Mules), *outputDir)
}

func clampProbability(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// clampRing keeps planted rings inside the detectable 2..5 edge window.
func clampRing(size int) int {
	if size < 2 {
		return 2
	}
	if size > 5 {
		return 5
	}
	return size
}
