package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	metrics "github.com/rcrowley/go-metrics"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []Message
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestPublishIsolatesSinkFailures(t *testing.T) {
	registry := metrics.NewRegistry()
	healthy := &recordingSink{name: "healthy"}
	b := New(nil, registry).
		Attach(FuncSink{SinkName: "broken", Fn: func(context.Context, Message) error { return errors.New("connection refused") }}).
		Attach(FuncSink{SinkName: "panicky", Fn: func(context.Context, Message) error { panic("boom") }}).
		Attach(healthy)

	outcomes := b.Publish(context.Background(), Message{Topic: TopicTransactionEvents, Body: []byte(`{}`)})

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if healthy.count() != 1 {
		t.Fatalf("healthy sink should still receive the message")
	}
	failed := Failed(outcomes)
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", failed)
	}

	if got := metrics.GetOrRegisterCounter("bus.broken.failed", registry).Count(); got != 1 {
		t.Fatalf("expected broken failure counter 1, got %d", got)
	}
	if got := metrics.GetOrRegisterCounter("bus.panicky.failed", registry).Count(); got != 1 {
		t.Fatalf("expected panic to count as failure, got %d", got)
	}
	if got := metrics.GetOrRegisterCounter("bus.healthy.delivered", registry).Count(); got != 1 {
		t.Fatalf("expected healthy delivery counter 1, got %d", got)
	}
}

func TestPublishRoutesByPattern(t *testing.T) {
	results := &recordingSink{name: "results"}
	events := &recordingSink{name: "events"}
	b := New(nil, metrics.NewRegistry()).
		Attach(results, ResultTopicPattern).
		Attach(events, TopicTransactionEvents, TopicGraphUpdates)

	b.Publish(context.Background(), Message{Topic: ResultTopic("txn-1")})
	b.Publish(context.Background(), Message{Topic: TopicTransactionEvents})
	b.Publish(context.Background(), Message{Topic: TopicEscalations})

	if results.count() != 1 || events.count() != 1 {
		t.Fatalf("unexpected routing: results=%d events=%d", results.count(), events.count())
	}
}

func TestLocalBrokerDeliversToMatchingSubscribers(t *testing.T) {
	broker := NewLocalBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 4)
	go func() {
		_ = broker.Subscribe(ctx, ResultTopicPattern, func(_ context.Context, m Message) error {
			got <- m
			return nil
		})
	}()
	go func() {
		_ = broker.Subscribe(ctx, TopicTransactionEvents, func(context.Context, Message) error {
			panic("subscriber bug")
		})
	}()

	deadline := time.Now().Add(time.Second)
	for broker.Subscribers() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers did not register")
		}
		time.Sleep(time.Millisecond)
	}

	if err := broker.Publish(ctx, Message{Topic: TopicTransactionEvents, Body: []byte("a")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := broker.Publish(ctx, Message{Topic: ResultTopic("t9"), Body: []byte("b")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		if m.Topic != "transaction_result:t9" || string(m.Body) != "b" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("result subscriber did not receive message")
	}

	cancel()
	deadline = time.Now().Add(time.Second)
	for broker.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers did not unregister")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKafkaSinkWrapsEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Type != "TRANSACTION_ASSESSED" || env.TS != 1234 {
			return errors.New("unexpected envelope header")
		}
		if string(env.Data) != `{"txnId":"t1"}` {
			return errors.New("unexpected envelope data " + string(env.Data))
		}
		return nil
	})

	sink := NewKafkaSink(producer, "")
	sink.now = func() time.Time { return time.UnixMilli(1234) }

	err := sink.Publish(context.Background(), Message{
		Topic: TopicTransactionEvents,
		Type:  "TRANSACTION_ASSESSED",
		Key:   "t1",
		Body:  []byte(`{"txnId":"t1"}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaSinkRejectsNonJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	sink := NewKafkaSink(producer, "audit")
	if err := sink.Publish(context.Background(), Message{Topic: "x", Body: []byte("not json")}); err == nil {
		t.Fatal("expected error for non JSON body")
	}
	_ = producer.Close()
}

func TestMatchTopicSpansSlashes(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{ResultTopicPattern, ResultTopic("order/42"), true},
		{ResultTopicPattern, ResultTopic("a/b/c"), true},
		{ResultTopicPattern, ResultTopicPrefix, true},
		{ResultTopicPattern, TopicTransactionEvents, false},
		{"graph-?pdates", TopicGraphUpdates, true},
		{"aml-[ef]scalations", TopicEscalations, true},
		{"aml-[^e]scalations", TopicEscalations, false},
		{`literal\*`, "literal*", true},
		{`literal\*`, "literalX", false},
		{"*-events", TopicTransactionEvents, true},
		{"a*b*c", "a/x/b/y/c", true},
		{"a*b*c", "a/x/b/y/d", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Fatalf("MatchTopic(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestBusRoutesResultTopicsContainingSlashes(t *testing.T) {
	results := &recordingSink{name: "results"}
	b := New(nil, metrics.NewRegistry()).Attach(results, ResultTopicPattern)

	b.Publish(context.Background(), Message{Topic: ResultTopic("order/42")})

	if results.count() != 1 {
		t.Fatalf("expected result for order/42 to be routed, got %d", results.count())
	}
}
