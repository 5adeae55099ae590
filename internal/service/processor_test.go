package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/shopspring/decimal"

	"github.com/vanshika/fintrace/riskpipe/internal/bus"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
	"github.com/vanshika/fintrace/riskpipe/internal/queue"
	"github.com/vanshika/fintrace/riskpipe/internal/risk"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (c *capturePublisher) Publish(_ context.Context, msg bus.Message) []bus.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return []bus.Outcome{{Sink: "capture"}}
}

func (c *capturePublisher) messages() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Message(nil), c.msgs...)
}

func newEngine(t *testing.T) *risk.Engine {
	t.Helper()
	engine, err := risk.NewEngine(risk.DefaultRuleTable())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return engine
}

func sampleTransaction(id string, amount int64, currency string) domain.Transaction {
	return domain.Transaction{
		TxnID:      id,
		UserID:     "U1",
		ReceiverID: "U2",
		Amount:     decimal.NewFromInt(amount),
		Currency:   currency,
		Timestamp:  time.Now().UTC(),
	}
}

func TestProcessPublishesResultAndBroadcast(t *testing.T) {
	q := queue.NewMemoryQueue()
	pub := &capturePublisher{}
	reg := metrics.NewRegistry()
	p := NewProcessor(q, newEngine(t), pub, time.Millisecond, nil, reg)

	if err := q.Enqueue(context.Background(), sampleTransaction("T1", 15000, "USD")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := p.Process(context.Background(), d); err != nil {
		t.Fatalf("process: %v", err)
	}

	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected two publications, got %d", len(msgs))
	}
	if msgs[0].Topic != bus.ResultTopic("T1") || msgs[1].Topic != bus.TopicTransactionEvents {
		t.Fatalf("unexpected topics %q %q", msgs[0].Topic, msgs[1].Topic)
	}
	if string(msgs[0].Body) != string(msgs[1].Body) {
		t.Fatal("result and broadcast payloads differ")
	}

	var event domain.AssessmentEvent
	if err := json.Unmarshal(msgs[0].Body, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.RiskScore != 60 || event.Action != domain.ActionReview || len(event.RiskFlags) != 2 {
		t.Fatalf("unexpected assessment %+v", event)
	}
	if got := metrics.GetOrRegisterCounter("pipeline.processed", reg).Count(); got != 1 {
		t.Fatalf("expected processed counter 1, got %d", got)
	}
}

func TestProcessDropsPoisonMessages(t *testing.T) {
	q := queue.NewMemoryQueue()
	pub := &capturePublisher{}
	reg := metrics.NewRegistry()
	p := NewProcessor(q, newEngine(t), pub, time.Millisecond, nil, reg)

	_ = q.EnqueueRaw([]byte("{not json"))
	_ = q.EnqueueRaw([]byte(`{"userId":"U1","amount":5,"currency":"INR"}`))
	for i := 0; i < 2; i++ {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := p.Process(context.Background(), d); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("poison must not be requeued, %d left", q.Len())
	}
	if len(pub.messages()) != 0 {
		t.Fatal("poison must not be published")
	}
	if got := metrics.GetOrRegisterCounter("pipeline.malformed", reg).Count(); got != 2 {
		t.Fatalf("expected malformed counter 2, got %d", got)
	}
}

type flakyQueue struct {
	queue.Queue
	mu       sync.Mutex
	failures int
}

func (f *flakyQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Queue.Dequeue(ctx)
}

func TestRunSurvivesTransientFailures(t *testing.T) {
	mem := queue.NewMemoryQueue()
	q := &flakyQueue{Queue: mem, failures: 3}
	pub := &capturePublisher{}
	reg := metrics.NewRegistry()
	p := NewProcessor(q, newEngine(t), pub, time.Millisecond, nil, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_ = mem.Enqueue(ctx, sampleTransaction("T1", 10, "INR"))
	deadline := time.After(2 * time.Second)
	for len(pub.messages()) < 2 {
		select {
		case <-deadline:
			t.Fatal("transaction was not processed after transient failures")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if got := metrics.GetOrRegisterCounter("pipeline.transient_errors", reg).Count(); got != 3 {
		t.Fatalf("expected 3 transient errors, got %d", got)
	}
}

func TestConsumerPoolScoresEachItemOnce(t *testing.T) {
	q := queue.NewMemoryQueue()
	pub := &capturePublisher{}
	p := NewProcessor(q, newEngine(t), pub, time.Millisecond, nil, metrics.NewRegistry())
	pool := NewConsumerPool(p, 4, nil)

	const total = 40
	for i := 0; i < total; i++ {
		_ = q.Enqueue(context.Background(), sampleTransaction(fmt.Sprintf("T%d", i), 10, "INR"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(pub.messages()) < 2*total {
		select {
		case <-deadline:
			t.Fatalf("only %d publications", len(pub.messages()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}

	seen := map[string]int{}
	for _, m := range pub.messages() {
		if m.Topic == bus.TopicTransactionEvents {
			seen[m.Key]++
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct transactions, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("%s scored %d times", id, n)
		}
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string, bus.Handler) error {
	return errors.New("broker gone")
}

func TestConsumerPoolStopsOnSubscriptionFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := NewProcessor(q, newEngine(t), nil, time.Millisecond, nil, metrics.NewRegistry())
	pool := NewConsumerPool(p, 2, nil, Subscription{Name: "graph", Subscriber: failingSubscriber{}, Topic: bus.TopicTransactionEvents})

	err := pool.Run(context.Background())
	if err == nil {
		t.Fatal("expected subscription failure")
	}
}

func TestForEachCollectsErrors(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	err := ForEach(context.Background(), 3, 10, func(_ context.Context, idx int) error {
		mu.Lock()
		seen[idx] = true
		mu.Unlock()
		if idx%4 == 0 {
			return fmt.Errorf("item %d failed", idx)
		}
		return nil
	})
	var taskErr *TaskError
	if !errors.As(err, &taskErr) || len(taskErr.Errors) != 3 {
		t.Fatalf("expected 3 collected errors, got %v", err)
	}
	if len(seen) != 10 {
		t.Fatalf("expected every item visited, got %d", len(seen))
	}
}
