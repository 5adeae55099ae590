// Package bus fans assessment results out to independent sinks.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	metrics "github.com/rcrowley/go-metrics"
)

// Channel names shared with external collaborators.
const (
	TopicTransactionEvents = "transaction-events"
	TopicGraphUpdates      = "graph-updates"
	TopicEscalations       = "aml-escalations"
	ResultTopicPrefix      = "transaction_result:"
	ResultTopicPattern     = ResultTopicPrefix + "*"
)

// ResultTopic is the per-transaction result channel.
func ResultTopic(txnID string) string {
	return ResultTopicPrefix + txnID
}

// Message is one publication. Body is the exact serialized payload.
type Message struct {
	Topic string
	Type  string
	Key   string
	Body  []byte
}

// NewJSONMessage serializes v as the message body.
func NewJSONMessage(topic, typ, key string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s message: %w", typ, err)
	}
	return Message{Topic: topic, Type: typ, Key: key, Body: body}, nil
}

// Sink is one downstream transport.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// Handler consumes a message from a subscription.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages whose topic matches pattern until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, handler Handler) error
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ctx context.Context, msg Message) []Outcome
}

// Outcome records what happened at one sink.
type Outcome struct {
	Sink     string
	Err      error
	Duration time.Duration
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type route struct {
	sink     Sink
	patterns []string
}

func (r route) matches(topic string) bool {
	if len(r.patterns) == 0 {
		return true
	}
	for _, p := range r.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// MatchTopic reports whether topic matches a Redis PSUBSCRIBE style glob. Unlike
// path.Match, '*' also spans '/', so every transport routes the same topics.
func MatchTopic(pattern, topic string) bool {
	px, tx := 0, 0
	starPx, starTx := -1, -1
	for px < len(pattern) || tx < len(topic) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '*':
				starPx, starTx = px, tx+1
				px++
				continue
			case '?':
				if tx < len(topic) {
					_, w := utf8.DecodeRuneInString(topic[tx:])
					px++
					tx += w
					continue
				}
			case '[':
				if end := strings.IndexByte(pattern[px:], ']'); end > 0 && tx < len(topic) {
					r, w := utf8.DecodeRuneInString(topic[tx:])
					if ok, err := path.Match(pattern[px:px+end+1], string(r)); err == nil && ok {
						px += end + 1
						tx += w
						continue
					}
				}
			case '\\':
				if px+1 < len(pattern) && tx < len(topic) && pattern[px+1] == topic[tx] {
					px += 2
					tx++
					continue
				}
			default:
				if tx < len(topic) && topic[tx] == c {
					px++
					tx++
					continue
				}
			}
		}
		if starPx >= 0 && starTx <= len(topic) {
			px, tx = starPx+1, starTx
			starTx++
			continue
		}
		return false
	}
	return true
}

// Bus routes each message to every attached sink whose patterns match its topic.
// Sinks run concurrently and a failure or panic in one never affects another.
type Bus struct {
	mu       sync.RWMutex
	routes   []route
	logger   *slog.Logger
	registry metrics.Registry
}

// New constructs an empty bus. A nil registry uses the process default.
func New(logger *slog.Logger, registry metrics.Registry) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Bus{logger: logger.With("component", "bus"), registry: registry}
}

// Attach adds a sink for the given topic patterns; none means every topic.
func (b *Bus) Attach(sink Sink, patterns ...string) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = append(b.routes, route{sink: sink, patterns: patterns})
	return b
}

// Sinks lists attached sink names.
func (b *Bus) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.routes))
	for i, r := range b.routes {
		names[i] = r.sink.Name()
	}
	return names
}

// Publish delivers msg to every matching sink and waits for all of them.
func (b *Bus) Publish(ctx context.Context, msg Message) []Outcome {
	b.mu.RLock()
	targets := make([]Sink, 0, len(b.routes))
	for _, r := range b.routes {
		if r.matches(msg.Topic) {
			targets = append(targets, r.sink)
		}
	}
	b.mu.RUnlock()

	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, sink := range targets {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			outcomes[i] = b.deliver(ctx, sink, msg)
		}(i, sink)
	}
	wg.Wait()
	return outcomes
}

func (b *Bus) deliver(ctx context.Context, sink Sink, msg Message) (out Outcome) {
	start := time.Now()
	out.Sink = sink.Name()
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("sink %s panicked: %v", sink.Name(), r)
		}
		out.Duration = time.Since(start)
		b.record(msg, out)
	}()
	out.Err = sink.Publish(ctx, msg)
	return out
}

func (b *Bus) record(msg Message, out Outcome) {
	metrics.GetOrRegisterTimer("bus."+out.Sink+".latency", b.registry).Update(out.Duration)
	if out.Err != nil {
		metrics.GetOrRegisterCounter("bus."+out.Sink+".failed", b.registry).Inc(1)
		b.logger.Error("sink publish failed", "sink", out.Sink, "topic", msg.Topic, "key", msg.Key, "error", out.Err)
		return
	}
	metrics.GetOrRegisterCounter("bus."+out.Sink+".delivered", b.registry).Inc(1)
}

// FuncSink adapts a function to Sink.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, msg Message) error
}

func (f FuncSink) Name() string { return f.SinkName }

func (f FuncSink) Publish(ctx context.Context, msg Message) error {
	return f.Fn(ctx, msg)
}

// safeHandle runs handler and converts a panic into an error.
func safeHandle(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked on %s: %v", msg.Topic, r)
		}
	}()
	return handler(ctx, msg)
}
