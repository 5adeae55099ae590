// Package queue decouples ingestion from scoring. Each enqueued transaction is handed
// to exactly one consumer at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Queue is the work queue contract shared by every backend.
type Queue interface {
	Enqueue(ctx context.Context, tx domain.Transaction) error
	// Dequeue blocks until an item is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one dequeued payload. Exactly one of Ack or Reject should be called;
// backends without acknowledgement treat both as no-ops.
type Delivery struct {
	Body []byte

	ack    func(context.Context) error
	reject func(context.Context, bool) error
}

// Ack confirms the item was processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Reject gives the item up. With requeue it becomes available again.
func (d *Delivery) Reject(ctx context.Context, requeue bool) error {
	if d.reject == nil {
		return nil
	}
	return d.reject(ctx, requeue)
}

func encode(tx domain.Transaction) ([]byte, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", tx.TxnID, err)
	}
	return body, nil
}
