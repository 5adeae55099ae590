package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vanshika/fintrace/riskpipe/internal/broker"
)

// AMQPSink publishes to a topic exchange using the message topic as routing key.
type AMQPSink struct {
	conn     *broker.Conn
	exchange string
}

// NewAMQPSink declares the exchange and returns a sink.
func NewAMQPSink(conn *broker.Conn, exchange string) (*AMQPSink, error) {
	if err := conn.DeclareTopic(exchange); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, msg Message) error {
	if err := s.conn.Publish(ctx, s.exchange, msg.Topic, msg.Body); err != nil {
		return fmt.Errorf("amqp publish %s: %w", msg.Topic, err)
	}
	return nil
}

// AMQPSubscriber binds a durable per-group queue to the exchange. Patterns must be
// exact topic names; glob patterns are not translated to AMQP bindings.
type AMQPSubscriber struct {
	conn     *broker.Conn
	exchange string
	group    string
	logger   *slog.Logger
}

// NewAMQPSubscriber builds a subscriber whose queues are named group.topic.
func NewAMQPSubscriber(conn *broker.Conn, exchange, group string, logger *slog.Logger) *AMQPSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSubscriber{
		conn:     conn,
		exchange: exchange,
		group:    group,
		logger:   logger.With("component", "amqp_subscriber"),
	}
}

// Subscribe acks handled messages and requeues those whose handler failed.
func (s *AMQPSubscriber) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if strings.ContainsAny(topic, "*?[") {
		return fmt.Errorf("amqp subscriber needs an exact topic, got %q", topic)
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(s.group+"."+topic, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, topic, s.exchange, false, nil); err != nil {
		return err
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp consumer for %s closed", q.Name)
			}
			msg := Message{Topic: d.RoutingKey, Body: d.Body}
			if err := safeHandle(ctx, handler, msg); err != nil {
				s.logger.WarnContext(ctx, "handler failed; re-queuing", "queue", q.Name, "error", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
