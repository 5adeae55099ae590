package queue

import (
	"context"
	"sync"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// MemoryQueue is an unbounded in-process FIFO.
type MemoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, tx domain.Transaction) error {
	body, err := encode(tx)
	if err != nil {
		return err
	}
	return q.push(body, false)
}

// EnqueueRaw appends an arbitrary payload. Replay tooling and tests use it to inject
// malformed input.
func (q *MemoryQueue) EnqueueRaw(body []byte) error {
	return q.push(append([]byte(nil), body...), false)
}

func (q *MemoryQueue) push(body []byte, front bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if front {
		q.items = append([][]byte{body}, q.items...)
	} else {
		q.items = append(q.items, body)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			body := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return &Delivery{
				Body: body,
				reject: func(_ context.Context, requeue bool) error {
					if !requeue {
						return nil
					}
					return q.push(body, true)
				},
			}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

// Len reports the number of pending items.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
