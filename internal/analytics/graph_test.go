package analytics

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

func edge(sender, receiver, txnID string) domain.GraphEdge {
	return domain.GraphEdge{Sender: sender, Receiver: receiver, TxnID: txnID, Amount: decimal.NewFromInt(100)}
}

func record(t *testing.T, g Store, edges ...domain.GraphEdge) {
	t.Helper()
	for _, e := range edges {
		if _, err := g.RecordTransfer(context.Background(), e); err != nil {
			t.Fatalf("record %v: %v", e, err)
		}
	}
}

func TestFanInScore(t *testing.T) {
	cases := map[int]float64{0: 0, 6: 0.5, 12: 1.0, 13: 1.0, 100: 1.0}
	for degree, want := range cases {
		if got := FanInScore(degree); got != want {
			t.Fatalf("degree %d: expected %v, got %v", degree, want, got)
		}
	}
}

func TestInDegreeCountsDistinctTransfers(t *testing.T) {
	for _, n := range []int{6, 12, 13} {
		g := NewMemoryGraph()
		for i := 0; i < n; i++ {
			record(t, g, edge(fmt.Sprintf("S%d", i%4), "MULE", fmt.Sprintf("t%d", i)))
		}
		degree, _ := g.InDegree(context.Background(), "MULE")
		if degree != n {
			t.Fatalf("expected in-degree %d, got %d", n, degree)
		}
		score := FanInScore(degree)
		if score > 1 {
			t.Fatalf("score must clamp, got %v", score)
		}
	}
}

func TestFindCycleTriangle(t *testing.T) {
	g := NewMemoryGraph()
	record(t, g, edge("A", "B", "t1"), edge("B", "C", "t2"), edge("C", "A", "t3"))

	for _, start := range []string{"A", "B", "C"} {
		cycle, err := g.FindCycle(context.Background(), start)
		if err != nil {
			t.Fatalf("find cycle: %v", err)
		}
		if cycle.Len() != 3 || cycle[0] != start || cycle[len(cycle)-1] != start {
			t.Fatalf("expected 3-cycle through %s, got %v", start, cycle)
		}
	}
}

func TestFindCycleFanOutHasNoCycle(t *testing.T) {
	g := NewMemoryGraph()
	record(t, g, edge("A", "B", "t1"), edge("A", "C", "t2"), edge("B", "C", "t3"))

	for _, start := range []string{"A", "B", "C", "unknown"} {
		cycle, _ := g.FindCycle(context.Background(), start)
		if cycle != nil {
			t.Fatalf("expected no cycle from %s, got %v", start, cycle)
		}
	}
}

func TestFindCycleBounds(t *testing.T) {
	g := NewMemoryGraph()
	record(t, g, edge("A", "A", "self"))
	if cycle, _ := g.FindCycle(context.Background(), "A"); cycle != nil {
		t.Fatalf("self loop must not count as a ring, got %v", cycle)
	}

	g = NewMemoryGraph()
	record(t, g, edge("A", "B", "t1"), edge("B", "A", "t2"))
	if cycle, _ := g.FindCycle(context.Background(), "A"); cycle.Len() != 2 {
		t.Fatalf("expected 2-cycle, got %v", cycle)
	}

	ring := func(n int) *MemoryGraph {
		g := NewMemoryGraph()
		for i := 0; i < n; i++ {
			record(t, g, edge(fmt.Sprintf("N%d", i), fmt.Sprintf("N%d", (i+1)%n), fmt.Sprintf("r%d", i)))
		}
		return g
	}
	if cycle, _ := ring(5).FindCycle(context.Background(), "N0"); cycle.Len() != 5 {
		t.Fatalf("expected 5-cycle, got %v", cycle)
	}
	if cycle, _ := ring(6).FindCycle(context.Background(), "N0"); cycle != nil {
		t.Fatalf("6-edge ring is beyond the search bound, got %v", cycle)
	}
}

func TestFindCycleIgnoresInnerLoops(t *testing.T) {
	g := NewMemoryGraph()
	// B and C loop between themselves without returning to A.
	record(t, g, edge("A", "B", "t1"), edge("B", "C", "t2"), edge("C", "B", "t3"))
	if cycle, _ := g.FindCycle(context.Background(), "A"); cycle != nil {
		t.Fatalf("expected no ring through A, got %v", cycle)
	}
	if cycle, _ := g.FindCycle(context.Background(), "B"); cycle.Len() != 2 {
		t.Fatalf("expected B<->C ring, got %v", cycle)
	}
}

func TestRecordTransferIsIdempotent(t *testing.T) {
	once := NewMemoryGraph()
	twice := NewMemoryGraph()
	edges := []domain.GraphEdge{edge("A", "B", "t1"), edge("B", "C", "t2"), edge("C", "A", "t3")}

	record(t, once, edges...)
	record(t, twice, edges...)
	for _, e := range edges {
		created, err := twice.RecordTransfer(context.Background(), e)
		if err != nil || created {
			t.Fatalf("expected duplicate insert to be a no-op, got created=%v err=%v", created, err)
		}
	}

	for _, user := range []string{"A", "B", "C"} {
		d1, _ := once.InDegree(context.Background(), user)
		d2, _ := twice.InDegree(context.Background(), user)
		if d1 != d2 {
			t.Fatalf("in-degree of %s diverged: %d vs %d", user, d1, d2)
		}
		c1, _ := once.FindCycle(context.Background(), user)
		c2, _ := twice.FindCycle(context.Background(), user)
		if fmt.Sprint(c1) != fmt.Sprint(c2) {
			t.Fatalf("cycle of %s diverged: %v vs %v", user, c1, c2)
		}
	}
	_, e1 := once.Stats()
	_, e2 := twice.Stats()
	if e1 != e2 || e1 != 3 {
		t.Fatalf("expected 3 edges in both graphs, got %d and %d", e1, e2)
	}
}

func TestParallelEdgesCountTowardsInDegree(t *testing.T) {
	g := NewMemoryGraph()
	record(t, g, edge("A", "B", "t1"), edge("A", "B", "t2"), edge("A", "B", "t3"))
	if d, _ := g.InDegree(context.Background(), "B"); d != 3 {
		t.Fatalf("expected one in-edge per transaction, got %d", d)
	}
}

func TestConcurrentWritesAndReads(t *testing.T) {
	g := NewMemoryGraph()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = g.RecordTransfer(context.Background(), edge(fmt.Sprintf("U%d", i%10), fmt.Sprintf("U%d", (i+w)%10), fmt.Sprintf("w%d-%d", w, i)))
				_, _ = g.FindCycle(context.Background(), "U0")
				_, _ = g.InDegree(context.Background(), "U1")
			}
		}(w)
	}
	wg.Wait()

	_, edges := g.Stats()
	if edges != 800 {
		t.Fatalf("expected 800 edges, got %d", edges)
	}
}
