// Package repository persists the transfer graph through Cypher.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
	"github.com/vanshika/fintrace/riskpipe/internal/graph"
)

// TransferRepository stores TRANSFERRED relationships between User nodes. It
// satisfies analytics.Store.
type TransferRepository struct {
	client graph.Client
}

// New instantiates a repository backed by client.
func New(client graph.Client) *TransferRepository {
	return &TransferRepository{client: client}
}

// EnsureSchema creates the uniqueness constraint MERGE relies on.
func (r *TransferRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.client.ExecuteWrite(ctx, userConstraintCypher, nil); err != nil {
		return fmt.Errorf("ensure user constraint: %w", err)
	}
	return nil
}

// Ping checks the graph backend is reachable.
func (r *TransferRepository) Ping(ctx context.Context) error {
	return r.client.VerifyConnectivity(ctx)
}

// RecordTransfer merges the edge keyed by txnId so replays never duplicate it.
func (r *TransferRepository) RecordTransfer(ctx context.Context, edge domain.GraphEdge) (bool, error) {
	if edge.Sender == "" || edge.Receiver == "" {
		return false, errors.New("both sender and receiver user IDs are required")
	}
	if edge.TxnID == "" {
		return false, errors.New("transaction id is required")
	}

	params := map[string]any{
		"sender":    edge.Sender,
		"receiver":  edge.Receiver,
		"txnId":     edge.TxnID,
		"amount":    edge.Amount.InexactFloat64(),
		"timestamp": formatTime(edge.Timestamp),
	}
	res, err := r.client.ExecuteWrite(ctx, recordTransferCypher, params)
	if err != nil {
		return false, fmt.Errorf("record transfer %s: %w", edge.TxnID, err)
	}
	rec, ok := res.First()
	if !ok {
		return false, nil
	}
	created, _ := rec["created"].(bool)
	return created, nil
}

// InDegree counts incoming transfers.
func (r *TransferRepository) InDegree(ctx context.Context, userID string) (int, error) {
	res, err := r.client.ExecuteRead(ctx, inDegreeCypher, map[string]any{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("in-degree query: %w", err)
	}
	rec, ok := res.First()
	if !ok {
		return 0, nil
	}
	return toInt(rec["inDegree"]), nil
}

// FindCycle returns the first ring of two to five transfers through userID.
func (r *TransferRepository) FindCycle(ctx context.Context, userID string) (domain.Cycle, error) {
	rings, err := r.FindCycles(ctx, userID, 1)
	if err != nil || len(rings) == 0 {
		return nil, err
	}
	return rings[0], nil
}

// FindCycles returns up to limit distinct simple rings through userID.
func (r *TransferRepository) FindCycles(ctx context.Context, userID string, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		return nil, nil
	}
	res, err := r.client.ExecuteRead(ctx, findCyclesCypher, map[string]any{"userId": userID, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("cycle query: %w", err)
	}
	var rings []domain.Cycle
	for _, rec := range res.Records {
		raw, ok := rec["cycle"].([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		cycle := make(domain.Cycle, 0, len(raw))
		for _, v := range raw {
			cycle = append(cycle, toString(v))
		}
		rings = append(rings, cycle)
	}
	return rings, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toInt(val any) int {
	switch v := val.(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

const userConstraintCypher = `
CREATE CONSTRAINT user_id_unique IF NOT EXISTS
FOR (u:User) REQUIRE u.userId IS UNIQUE
`

const recordTransferCypher = `
MERGE (s:User {userId: $sender})
MERGE (r:User {userId: $receiver})
MERGE (s)-[t:TRANSFERRED {txnId: $txnId}]->(r)
WITH t, t.amount IS NULL AS created
SET t.amount = coalesce(t.amount, $amount),
    t.timestamp = coalesce(t.timestamp, $timestamp)
RETURN created
`

const inDegreeCypher = `
MATCH (:User)-[t:TRANSFERRED]->(u:User {userId: $userId})
RETURN count(t) AS inDegree
`

// findCyclesCypher keeps only simple rings: inner nodes are distinct and never the
// origin, so parallel self-loops and figure-eight walks are excluded.
const findCyclesCypher = `
MATCH path = (u:User {userId: $userId})-[:TRANSFERRED*2..5]->(u)
WITH u, path, nodes(path)[1..-1] AS inner
WHERE none(n IN inner WHERE n = u)
  AND all(i IN range(0, size(inner) - 1) WHERE none(j IN range(i + 1, size(inner) - 1) WHERE inner[i] = inner[j]))
RETURN DISTINCT [n IN nodes(path) | n.userId] AS cycle
LIMIT $limit
`
