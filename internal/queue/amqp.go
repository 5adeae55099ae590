package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vanshika/fintrace/riskpipe/internal/broker"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// AMQPQueue is a durable RabbitMQ queue with manual acknowledgement. Unacked items are
// redelivered by the broker when a consumer's channel closes.
type AMQPQueue struct {
	conn *broker.Conn
	name string

	once       sync.Once
	consumeErr error
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

// NewAMQPQueue declares the queue and returns a handle.
func NewAMQPQueue(conn *broker.Conn, name string) (*AMQPQueue, error) {
	if err := conn.DeclareQueue(name); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return &AMQPQueue{conn: conn, name: name, done: make(chan struct{})}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, tx domain.Transaction) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	body, err := encode(tx)
	if err != nil {
		return err
	}
	if err := q.conn.Publish(ctx, "", q.name, body); err != nil {
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}
	return nil
}

func (q *AMQPQueue) startConsuming() error {
	q.once.Do(func() {
		ch, err := q.conn.Channel()
		if err != nil {
			q.consumeErr = fmt.Errorf("open consumer channel: %w", err)
			return
		}
		if err := ch.Qos(1, 0, false); err != nil {
			ch.Close()
			q.consumeErr = fmt.Errorf("set qos: %w", err)
			return
		}
		msgs, err := ch.Consume(q.name, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			q.consumeErr = fmt.Errorf("consume %s: %w", q.name, err)
			return
		}
		q.ch = ch
		q.deliveries = msgs
	})
	return q.consumeErr
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.startConsuming(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, fmt.Errorf("consumer channel for %s closed", q.name)
		}
		return &Delivery{
			Body: d.Body,
			ack: func(context.Context) error {
				return d.Ack(false)
			},
			reject: func(_ context.Context, requeue bool) error {
				return d.Nack(false, requeue)
			},
		}, nil
	}
}

// Close stops consumption. The broker connection is owned by the caller.
func (q *AMQPQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		if q.ch != nil {
			q.ch.Close()
		}
	})
	return nil
}
