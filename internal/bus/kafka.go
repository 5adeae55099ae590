package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Envelope wraps audit records on the Kafka stream.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// KafkaSink appends messages to a Kafka topic named by the message topic, or by a
// fixed override when one is configured.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

// NewKafkaProducer builds a SyncProducer with acknowledgement from all replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaSink wraps producer. topic may be empty to follow message topics.
func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, now: time.Now}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(msg.Body) {
		return fmt.Errorf("kafka sink: body for %s is not JSON", msg.Topic)
	}
	env, err := json.Marshal(Envelope{Type: msg.Type, TS: s.now().UnixMilli(), Data: msg.Body})
	if err != nil {
		return err
	}

	topic := s.topic
	if topic == "" {
		topic = msg.Topic
	}
	pm := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(env),
	}
	if msg.Key != "" {
		pm.Key = sarama.StringEncoder(msg.Key)
	}
	if _, _, err := s.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("kafka emit to %s: %w", topic, err)
	}
	return nil
}

// Close closes the underlying producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
