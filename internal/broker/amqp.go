// Package broker wraps a RabbitMQ connection shared by the work queue and the bus.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 10 * time.Second

// Conn owns one connection and a publishing channel that is reopened on failure.
type Conn struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// SanitizeURL trims quoting and validates the scheme.
func SanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Dial connects with a bounded dial timeout.
func Dial(rawURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cleanURL, err := SanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Conn{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq")}, nil
}

// Channel opens a dedicated channel, typically for a consumer.
func (c *Conn) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// DeclareQueue declares a durable queue on the publishing channel.
func (c *Conn) DeclareQueue(name string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)
		return err
	})
}

// DeclareTopic declares a durable topic exchange.
func (c *Conn) DeclareTopic(exchange string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	})
}

// Publish sends a persistent JSON message. exchange may be empty to address a queue
// directly by routingKey.
func (c *Conn) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	return c.withChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
}

// withChannel runs fn, reopening the publishing channel once if it fails.
func (c *Conn) withChannel(fn func(*amqp.Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := fn(c.ch)
	if err == nil {
		return nil
	}
	c.logger.Warn("channel operation failed; reopening channel", "error", err)

	ch, chErr := c.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w (after %v)", chErr, err)
	}
	c.ch = ch
	return fn(c.ch)
}

// Close closes the publishing channel and the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
