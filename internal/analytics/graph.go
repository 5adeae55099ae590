// Package analytics maintains the transfer graph and answers fan-in and ring queries.
package analytics

import (
	"context"
	"sync"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// Cycle search bounds, in edges.
const (
	MinCycleEdges = 2
	MaxCycleEdges = 5
)

// MuleSaturation is the in-degree at which the fan-in score reaches 1.0.
const MuleSaturation = 12

// Store is the transfer graph contract.
type Store interface {
	// RecordTransfer inserts the edge unless (sender, receiver, txnId) already exists.
	// created reports whether a new edge was written.
	RecordTransfer(ctx context.Context, edge domain.GraphEdge) (created bool, err error)
	InDegree(ctx context.Context, userID string) (int, error)
	// FindCycle returns the first ring of MinCycleEdges..MaxCycleEdges edges through
	// userID, or nil.
	FindCycle(ctx context.Context, userID string) (domain.Cycle, error)
	// FindCycles returns up to limit distinct rings through userID.
	FindCycles(ctx context.Context, userID string, limit int) ([]domain.Cycle, error)
}

// FanInScore maps an in-degree to the clamped mule score.
func FanInScore(inDegree int) float64 {
	if inDegree <= 0 {
		return 0
	}
	score := float64(inDegree) / MuleSaturation
	if score > 1 {
		return 1
	}
	return score
}

type edgeKey struct {
	sender, receiver, txnID string
}

// MemoryGraph is an adjacency-list multigraph. Parallel edges between a pair collapse
// into one neighbour entry with a multiplicity; in-degree counts every edge.
type MemoryGraph struct {
	mu        sync.RWMutex
	out       map[string][]string
	parallel  map[[2]string]int
	inDegree  map[string]int
	edges     map[edgeKey]struct{}
	nodes     map[string]struct{}
	edgeTotal int
}

// NewMemoryGraph returns an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		out:      make(map[string][]string),
		parallel: make(map[[2]string]int),
		inDegree: make(map[string]int),
		edges:    make(map[edgeKey]struct{}),
		nodes:    make(map[string]struct{}),
	}
}

func (g *MemoryGraph) RecordTransfer(_ context.Context, edge domain.GraphEdge) (bool, error) {
	key := edgeKey{sender: edge.Sender, receiver: edge.Receiver, txnID: edge.TxnID}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.edges[key]; dup {
		return false, nil
	}
	g.edges[key] = struct{}{}
	g.nodes[edge.Sender] = struct{}{}
	g.nodes[edge.Receiver] = struct{}{}

	pair := [2]string{edge.Sender, edge.Receiver}
	if g.parallel[pair] == 0 {
		g.out[edge.Sender] = append(g.out[edge.Sender], edge.Receiver)
	}
	g.parallel[pair]++
	g.inDegree[edge.Receiver]++
	g.edgeTotal++
	return true, nil
}

func (g *MemoryGraph) InDegree(_ context.Context, userID string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.inDegree[userID], nil
}

func (g *MemoryGraph) FindCycle(ctx context.Context, userID string) (domain.Cycle, error) {
	rings, err := g.FindCycles(ctx, userID, 1)
	if err != nil || len(rings) == 0 {
		return nil, err
	}
	return rings[0], nil
}

// FindCycles returns up to limit distinct rings through userID in search order.
// Parallel edges collapse, so each node sequence appears once.
func (g *MemoryGraph) FindCycles(_ context.Context, userID string, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[userID]; !ok {
		return nil, nil
	}
	var rings []domain.Cycle
	path := make([]string, 1, MaxCycleEdges+1)
	path[0] = userID
	onPath := map[string]bool{userID: true}
	g.search(userID, path, onPath, func(ring domain.Cycle) bool {
		rings = append(rings, ring)
		return len(rings) < limit
	})
	return rings, nil
}

// search extends path depth-first along simple paths and hands every closed ring back
// to origin to visit until visit returns false. Depth never exceeds MaxCycleEdges.
func (g *MemoryGraph) search(origin string, path []string, onPath map[string]bool, visit func(domain.Cycle) bool) bool {
	tail := path[len(path)-1]
	edges := len(path)
	for _, next := range g.out[tail] {
		if next == origin {
			if edges >= MinCycleEdges {
				ring := make(domain.Cycle, 0, edges+1)
				ring = append(ring, path...)
				if !visit(append(ring, origin)) {
					return false
				}
			}
			continue
		}
		if onPath[next] || edges >= MaxCycleEdges {
			continue
		}
		onPath[next] = true
		more := g.search(origin, append(path, next), onPath, visit)
		onPath[next] = false
		if !more {
			return false
		}
	}
	return true
}

// Stats reports node and edge totals.
func (g *MemoryGraph) Stats() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), g.edgeTotal
}
