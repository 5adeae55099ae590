package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GraphEdge is one transfer in the directed multigraph. Edges are append-only and
// identified by (Sender, Receiver, TxnID).
type GraphEdge struct {
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	TxnID     string          `json:"txnId"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Cycle is a closed transfer path [u0, u1, ..., u0].
type Cycle []string

// Len returns the number of edges in the cycle.
func (c Cycle) Len() int {
	if len(c) == 0 {
		return 0
	}
	return len(c) - 1
}

// GraphUpdateEvent is the only shape external collaborators may rely on for edge recording.
type GraphUpdateEvent struct {
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Amount   decimal.Decimal `json:"amount"`
	TxnID    string          `json:"txnId"`
}

// EscalationEvent is emitted when a transfer ring is detected.
type EscalationEvent struct {
	Cycle   Cycle           `json:"cycle"`
	TxnData AssessmentEvent `json:"txnData"`
}

// Event type names used on the fan-out bus.
const (
	EventTypeGraphUpdated  = "GRAPH_EDGE_RECORDED"
	EventTypeCycleDetected = "AML_CYCLE_DETECTED"
)

// EdgeFromEvent builds the graph edge for an assessed transfer.
func EdgeFromEvent(e AssessmentEvent) GraphEdge {
	return GraphEdge{
		Sender:    e.UserID,
		Receiver:  e.ReceiverID,
		TxnID:     e.TxnID,
		Amount:    e.Amount,
		Timestamp: e.Timestamp,
	}
}
