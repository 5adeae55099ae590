package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

func txn(id string) domain.Transaction {
	return domain.Transaction{
		TxnID:      id,
		UserID:     "U1",
		ReceiverID: "U2",
		Amount:     decimal.NewFromInt(100),
		Currency:   domain.DefaultCurrency,
	}
}

func mustDequeueID(t *testing.T, q Queue) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	tx, err := domain.DecodeTransaction(d.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return tx.TxnID
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := q.Enqueue(context.Background(), txn(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, want := range []string{"t1", "t2", "t3"} {
		if got := mustDequeueID(t, q); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestMemoryQueueBlocksUntilAvailable(t *testing.T) {
	q := NewMemoryQueue()
	got := make(chan string, 1)
	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		tx, _ := domain.DecodeTransaction(d.Body)
		got <- tx.TxnID
	}()

	select {
	case id := <-got:
		t.Fatalf("dequeue returned %s before enqueue", id)
	case <-time.After(20 * time.Millisecond):
	}

	if err := q.Enqueue(context.Background(), txn("late")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryQueueSingleDeliveryUnderConcurrency(t *testing.T) {
	q := NewMemoryQueue()
	const n = 200
	for i := 0; i < n; i++ {
		if err := q.Enqueue(context.Background(), txn(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				tx, _ := domain.DecodeTransaction(d.Body)
				mu.Lock()
				seen[tx.TxnID]++
				total := len(seen)
				mu.Unlock()
				if total == n {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct items, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("item %s delivered %d times", id, count)
		}
	}
}

func TestMemoryQueueRequeue(t *testing.T) {
	q := NewMemoryQueue()
	_ = q.Enqueue(context.Background(), txn("first"))
	_ = q.Enqueue(context.Background(), txn("second"))

	d, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := d.Reject(context.Background(), true); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := mustDequeueID(t, q); got != "first" {
		t.Fatalf("expected requeued item first, got %s", got)
	}
}

func TestMemoryQueueCancellationAndClose(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	_ = q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Enqueue(context.Background(), txn("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
}
