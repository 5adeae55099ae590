package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T, opts ...RedisOption) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]RedisOption{WithPollInterval(50 * time.Millisecond)}, opts...)
	return NewRedisQueue(client, "transaction_queue", opts...), mr, client
}

func dequeue(t *testing.T, q Queue) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return d
}

func TestRedisQueueIsFIFO(t *testing.T) {
	q, _, _ := newRedisQueue(t)
	ctx := context.Background()
	for _, id := range []string{"T1", "T2", "T3"} {
		if err := q.Enqueue(ctx, txn(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, want := range []string{"T1", "T2", "T3"} {
		if got := mustDequeueID(t, q); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestRedisQueueReliableAckClearsProcessing(t *testing.T) {
	q, mr, _ := newRedisQueue(t, WithReliableDelivery(true))
	ctx := context.Background()
	if err := q.Enqueue(ctx, txn("T1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := dequeue(t, q)
	if n, _ := mr.List("transaction_queue:processing"); len(n) != 1 {
		t.Fatalf("expected one in-flight item, got %v", n)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if mr.Exists("transaction_queue:processing") || mr.Exists("transaction_queue") {
		t.Fatal("acked item left behind")
	}
}

func TestRedisQueueReliableRequeue(t *testing.T) {
	q, mr, _ := newRedisQueue(t, WithReliableDelivery(true))
	ctx := context.Background()
	_ = q.Enqueue(ctx, txn("T1"))
	_ = q.Enqueue(ctx, txn("T2"))

	d := dequeue(t, q)
	if err := d.Reject(ctx, true); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if mr.Exists("transaction_queue:processing") {
		t.Fatal("rejected item still in processing list")
	}
	if got := mustDequeueID(t, q); got != "T1" {
		t.Fatalf("expected requeued T1 first, got %s", got)
	}

	d = dequeue(t, q)
	if err := d.Reject(ctx, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if mr.Exists("transaction_queue") {
		t.Fatal("dropped item was requeued")
	}
}

func TestRedisQueueRecoverAfterCrash(t *testing.T) {
	q, mr, client := newRedisQueue(t, WithReliableDelivery(true))
	ctx := context.Background()
	for _, id := range []string{"T1", "T2", "T3"} {
		_ = q.Enqueue(ctx, txn(id))
	}
	// Consumer takes two items and dies without acking.
	dequeue(t, q)
	dequeue(t, q)

	restarted := NewRedisQueue(client, "transaction_queue", WithReliableDelivery(true), WithPollInterval(50*time.Millisecond))
	moved, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if moved != 2 || mr.Exists("transaction_queue:processing") {
		t.Fatalf("expected two items recovered, got %d", moved)
	}
	for _, want := range []string{"T1", "T2", "T3"} {
		if got := mustDequeueID(t, restarted); got != want {
			t.Fatalf("expected %s after recovery, got %s", want, got)
		}
	}
}

func TestRedisQueueNonReliableRequeue(t *testing.T) {
	q, _, _ := newRedisQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, txn("T1"))
	_ = q.Enqueue(ctx, txn("T2"))

	d := dequeue(t, q)
	if err := d.Reject(ctx, true); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := mustDequeueID(t, q); got != "T1" {
		t.Fatalf("expected requeued T1 first, got %s", got)
	}
	if moved, _ := q.Recover(ctx); moved != 0 {
		t.Fatalf("recover must be a no-op without reliable delivery, moved %d", moved)
	}
}

func TestRedisQueueDequeueHonoursCancellation(t *testing.T) {
	q, _, _ := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected an error from an empty queue once the context expires")
	}

	_ = q.Close()
	if err := q.Enqueue(context.Background(), txn("T1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
