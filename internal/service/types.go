package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransaction marks intake failures caused by the request body.
var ErrInvalidTransaction = errors.New("invalid transaction")

// ValidationError describes the offending field of a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTransaction }

// AssessRequest is the inbound payload of the assess endpoint. Server-owned fields
// (txnId when absent, timestamp) are filled in at intake.
type AssessRequest struct {
	TxnID             string              `json:"txnId"`
	UserID            string              `json:"userId"`
	ReceiverID        string              `json:"receiverId"`
	Amount            decimal.NullDecimal `json:"amount"`
	Currency          string              `json:"currency"`
	MerchantID        string              `json:"merchantId"`
	TxnType           string              `json:"txnType"`
	DeviceFingerprint string              `json:"deviceFingerprint"`
}

// Accepted is returned to the caller once a transaction is queued.
type Accepted struct {
	TxnID   string `json:"txnId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	StatusPending   = "PENDING"
	acceptedMessage = "Transaction accepted for risk assessment. Result will be sent via webhook."
)
