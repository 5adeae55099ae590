package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is applied when a transaction omits its currency.
const DefaultCurrency = "INR"

func init() {
	// Amounts travel as JSON numbers on every wire we produce.
	decimal.MarshalJSONWithoutQuotes = true
}

// Transaction is the unit of work accepted at ingress. It is immutable once queued
// and TxnID joins every downstream artifact.
type Transaction struct {
	TxnID             string          `json:"txnId"`
	UserID            string          `json:"userId"`
	ReceiverID        string          `json:"receiverId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantID        string          `json:"merchantId,omitempty"`
	TxnType           string          `json:"txnType,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Validate checks the invariants a queued transaction must satisfy.
func (t Transaction) Validate() error {
	if t.TxnID == "" {
		return fmt.Errorf("txnId is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("amount must be non-negative, got %s", t.Amount.String())
	}
	if t.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

// DecodeTransaction parses a queued payload. Callers treat any error as a poison message.
func DecodeTransaction(raw []byte) (Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}
