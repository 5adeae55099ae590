// Package escalation checks senders for transfer rings after their edges land and
// reports positive hits.
package escalation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/vanshika/fintrace/riskpipe/internal/bus"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// CycleFinder is the slice of the graph store the trigger needs.
type CycleFinder interface {
	FindCycles(ctx context.Context, userID string, limit int) ([]domain.Cycle, error)
}

const (
	defaultSearchLimit   = 64
	defaultReportedLimit = 100_000
)

// Trigger runs a cycle query for the sender of every recorded edge. It is driven by
// the edge write's completion; SettleDelay only adds slack for replicated stores.
type Trigger struct {
	finder      CycleFinder
	publisher   bus.Publisher
	settleDelay time.Duration
	logger      *slog.Logger
	metrics     metrics.Registry

	searchLimit   int
	reportedLimit int

	mu       sync.Mutex
	reported map[string]struct{}
	order    []string
	tracking bool
	touched  map[string]domain.AssessmentEvent
	wg       sync.WaitGroup
}

// Option customises a Trigger.
type Option func(*Trigger)

// WithSettleDelay waits d after the write acknowledgement before querying.
func WithSettleDelay(d time.Duration) Option {
	return func(t *Trigger) {
		if d > 0 {
			t.settleDelay = d
		}
	}
}

// WithSearchLimit caps how many rings one check inspects.
func WithSearchLimit(n int) Option {
	return func(t *Trigger) {
		if n > 0 {
			t.searchLimit = n
		}
	}
}

// WithReportedLimit caps the remembered rings; the oldest are forgotten first.
func WithReportedLimit(n int) Option {
	return func(t *Trigger) {
		if n > 0 {
			t.reportedLimit = n
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r metrics.Registry) Option {
	return func(t *Trigger) { t.metrics = r }
}

// NewTrigger builds a trigger that reports rings through publisher.
func NewTrigger(finder CycleFinder, publisher bus.Publisher, logger *slog.Logger, opts ...Option) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{
		finder:    finder,
		publisher: publisher,
		logger:    logger.With("component", "escalation"),
		metrics:       metrics.DefaultRegistry,
		searchLimit:   defaultSearchLimit,
		reportedLimit: defaultReportedLimit,
		reported:      make(map[string]struct{}),
		touched:       make(map[string]domain.AssessmentEvent),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EdgeRecorded implements analytics.EdgeListener.
func (t *Trigger) EdgeRecorded(ctx context.Context, edge domain.GraphEdge, event domain.AssessmentEvent) {
	t.mu.Lock()
	if t.tracking {
		t.touched[edge.Sender] = event
	}
	t.mu.Unlock()

	if t.settleDelay <= 0 {
		t.Check(ctx, edge.Sender, event)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		timer := time.NewTimer(t.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t.Check(context.WithoutCancel(ctx), edge.Sender, event)
	}()
}

// Check queries userID and escalates the first ring not reported before, preferring
// rings that leave through the event's receiver. It returns the escalated ring, if any.
func (t *Trigger) Check(ctx context.Context, userID string, event domain.AssessmentEvent) domain.Cycle {
	rings, err := t.finder.FindCycles(ctx, userID, t.searchLimit)
	if err != nil {
		metrics.GetOrRegisterCounter("escalation.query_failed", t.metrics).Inc(1)
		t.logger.ErrorContext(ctx, "cycle query failed", "userId", userID, "error", err)
		return nil
	}
	if len(rings) == 0 {
		return nil
	}

	cycle := t.claim(preferEdge(rings, userID, event.ReceiverID))
	if cycle == nil {
		t.logger.DebugContext(ctx, "rings already escalated", "userId", userID, "rings", len(rings))
		return nil
	}

	metrics.GetOrRegisterCounter("escalation.cycles_detected", t.metrics).Inc(1)
	t.logger.WarnContext(ctx, "AML cycle detected", "userId", userID, "cycle", cycle, "txnId", event.TxnID)

	if t.publisher == nil {
		return cycle
	}
	msg, err := bus.NewJSONMessage(bus.TopicEscalations, domain.EventTypeCycleDetected, event.TxnID, domain.EscalationEvent{Cycle: cycle, TxnData: event})
	if err != nil {
		t.logger.ErrorContext(ctx, "encode escalation", "error", err)
		return cycle
	}
	if failed := bus.Failed(t.publisher.Publish(ctx, msg)); len(failed) > 0 {
		metrics.GetOrRegisterCounter("escalation.report_failed", t.metrics).Inc(1)
	}
	return cycle
}

// claim marks and returns the first ring not yet reported.
func (t *Trigger) claim(rings []domain.Cycle) domain.Cycle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ring := range rings {
		key := ringKey(ring)
		if _, seen := t.reported[key]; seen {
			continue
		}
		t.reported[key] = struct{}{}
		t.order = append(t.order, key)
		for len(t.order) > t.reportedLimit {
			delete(t.reported, t.order[0])
			t.order = t.order[1:]
		}
		return ring
	}
	return nil
}

// preferEdge moves rings whose first hop is sender->receiver to the front, keeping
// search order otherwise.
func preferEdge(rings []domain.Cycle, sender, receiver string) []domain.Cycle {
	if receiver == "" {
		return rings
	}
	out := make([]domain.Cycle, 0, len(rings))
	var rest []domain.Cycle
	for _, ring := range rings {
		if len(ring) > 1 && ring[0] == sender && ring[1] == receiver {
			out = append(out, ring)
			continue
		}
		rest = append(rest, ring)
	}
	return append(out, rest...)
}

// Reported returns how many rings are remembered for deduplication.
func (t *Trigger) Reported() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reported)
}

// trackTouched starts remembering senders for DrainTouched.
func (t *Trigger) trackTouched() {
	t.mu.Lock()
	t.tracking = true
	t.mu.Unlock()
}

// DrainTouched returns the senders with edges recorded since the previous drain,
// each with its latest assessment. Senders are only tracked once a Sweeper is attached.
func (t *Trigger) DrainTouched() map[string]domain.AssessmentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.touched
	t.touched = make(map[string]domain.AssessmentEvent, len(out))
	return out
}

// Wait blocks until delayed checks have finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// ringKey identifies a ring independent of its starting node.
func ringKey(c domain.Cycle) string {
	nodes := []string(c)
	if len(nodes) > 1 && nodes[0] == nodes[len(nodes)-1] {
		nodes = nodes[:len(nodes)-1]
	}
	if len(nodes) == 0 {
		return ""
	}
	start := 0
	for i, n := range nodes {
		if n < nodes[start] {
			start = i
		}
	}
	rotated := append(append([]string{}, nodes[start:]...), nodes[:start]...)
	return strings.Join(rotated, "->")
}
