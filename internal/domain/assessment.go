package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the decision attached to a scored transaction.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionReview Action = "REVIEW"
	ActionBlock  Action = "BLOCK"
)

// RiskAssessment is produced exactly once per transaction by the scoring engine.
type RiskAssessment struct {
	TxnID     string    `json:"txnId"`
	Score     int       `json:"score"`
	Flags     []string  `json:"flags"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`

	// RecommendedAction differs from Action only for merchants running in shadow mode.
	RecommendedAction Action `json:"recommendedAction,omitempty"`
	Enforced          bool   `json:"enforced"`
}

// HasFlag reports whether the named rule fired.
func (a RiskAssessment) HasFlag(id string) bool {
	for _, f := range a.Flags {
		if f == id {
			return true
		}
	}
	return false
}

// EventTypeAssessed tags assessment payloads on every channel.
const EventTypeAssessed = "TRANSACTION_ASSESSED"

// AssessmentEvent is the merged Transaction + RiskAssessment payload carried on the
// result channel, the broadcast topic and the outbound webhook.
type AssessmentEvent struct {
	EventType         string          `json:"eventType"`
	TxnID             string          `json:"txnId"`
	UserID            string          `json:"userId"`
	ReceiverID        string          `json:"receiverId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantID        string          `json:"merchantId,omitempty"`
	TxnType           string          `json:"txnType,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`

	RiskScore         int       `json:"riskScore"`
	RiskFlags         []string  `json:"riskFlags"`
	Action            Action    `json:"action"`
	RecommendedAction Action    `json:"recommendedAction,omitempty"`
	Enforced          bool      `json:"enforced"`
	AssessedAt        time.Time `json:"assessedAt"`
}

// NewAssessmentEvent merges the transaction with its assessment.
func NewAssessmentEvent(tx Transaction, a RiskAssessment) AssessmentEvent {
	flags := a.Flags
	if flags == nil {
		flags = []string{}
	}
	return AssessmentEvent{
		EventType:         EventTypeAssessed,
		TxnID:             tx.TxnID,
		UserID:            tx.UserID,
		ReceiverID:        tx.ReceiverID,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		MerchantID:        tx.MerchantID,
		TxnType:           tx.TxnType,
		DeviceFingerprint: tx.DeviceFingerprint,
		Timestamp:         tx.Timestamp,
		RiskScore:         a.Score,
		RiskFlags:         flags,
		Action:            a.Action,
		RecommendedAction: a.RecommendedAction,
		Enforced:          a.Enforced,
		AssessedAt:        a.Timestamp,
	}
}

// Transaction extracts the original transaction fields.
func (e AssessmentEvent) Transaction() Transaction {
	return Transaction{
		TxnID:             e.TxnID,
		UserID:            e.UserID,
		ReceiverID:        e.ReceiverID,
		Amount:            e.Amount,
		Currency:          e.Currency,
		MerchantID:        e.MerchantID,
		TxnType:           e.TxnType,
		DeviceFingerprint: e.DeviceFingerprint,
		Timestamp:         e.Timestamp,
	}
}
