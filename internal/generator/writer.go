package generator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vanshika/fintrace/riskpipe/pkg/riskclient"
)

const (
	TransactionsFile = "transactions.json"
	ManifestFile     = "manifest.json"
)

// WriteDataset serializes the dataset into transactions.json and manifest.json under dir.
func WriteDataset(dataset Dataset, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, TransactionsFile), dataset.Transactions); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, ManifestFile), dataset.Manifest)
}

// ReadTransactions loads a transactions.json file written by WriteDataset.
func ReadTransactions(path string) ([]riskclient.TransactionRequest, error) {
	var txs []riskclient.TransactionRequest
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return txs, nil
}

func writeJSON(path string, data any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode json for %s: %w", path, err)
	}
	return nil
}
