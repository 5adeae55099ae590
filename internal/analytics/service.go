package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/vanshika/fintrace/riskpipe/internal/bus"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// EdgeListener is told about every edge write after it has completed. The call is the
// completion signal dependents wait on instead of a fixed delay.
type EdgeListener interface {
	EdgeRecorded(ctx context.Context, edge domain.GraphEdge, event domain.AssessmentEvent)
}

// EdgeListenerFunc adapts a function to EdgeListener.
type EdgeListenerFunc func(ctx context.Context, edge domain.GraphEdge, event domain.AssessmentEvent)

func (f EdgeListenerFunc) EdgeRecorded(ctx context.Context, edge domain.GraphEdge, event domain.AssessmentEvent) {
	f(ctx, edge, event)
}

// FanIn is the mule heuristic for one account.
type FanIn struct {
	UserID     string  `json:"userId"`
	InDegree   int     `json:"inDegree"`
	FraudScore float64 `json:"fraudScore"`
}

// Service applies assessed transactions to the graph.
type Service struct {
	store       Store
	publisher   bus.Publisher
	listeners   []EdgeListener
	skipBlocked bool
	logger      *slog.Logger
	registry    metrics.Registry
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithSkipBlocked leaves transfers that were blocked out of the graph.
func WithSkipBlocked(skip bool) ServiceOption {
	return func(s *Service) { s.skipBlocked = skip }
}

// WithListener registers an edge listener.
func WithListener(l EdgeListener) ServiceOption {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// WithPublisher sets where graph-update events go.
func WithPublisher(p bus.Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithRegistry sets the metrics registry.
func WithRegistry(r metrics.Registry) ServiceOption {
	return func(s *Service) { s.registry = r }
}

// NewService wires a graph service around store.
func NewService(store Store, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		logger:   logger.With("component", "graph_service"),
		registry: metrics.DefaultRegistry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying graph store.
func (s *Service) Store() Store { return s.store }

// HandleMessage is a bus.Handler for the broadcast topic. Malformed payloads are
// logged and dropped; store failures are returned so broker-backed subscribers can
// redeliver.
func (s *Service) HandleMessage(ctx context.Context, msg bus.Message) error {
	var event domain.AssessmentEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		metrics.GetOrRegisterCounter("graph.malformed", s.registry).Inc(1)
		s.logger.WarnContext(ctx, "dropping malformed assessment event", "topic", msg.Topic, "error", err)
		return nil
	}
	if event.EventType != "" && event.EventType != domain.EventTypeAssessed {
		return nil
	}
	_, err := s.Apply(ctx, event)
	return err
}

// Apply records the transfer for an assessed transaction and notifies listeners once
// the write has returned. It reports whether an edge was written.
func (s *Service) Apply(ctx context.Context, event domain.AssessmentEvent) (bool, error) {
	if event.UserID == "" || event.ReceiverID == "" || event.TxnID == "" {
		s.logger.WarnContext(ctx, "skipping event without both parties", "txnId", event.TxnID)
		return false, nil
	}
	if s.skipBlocked && event.Action == domain.ActionBlock {
		s.logger.InfoContext(ctx, "skipping blocked transfer", "txnId", event.TxnID)
		return false, nil
	}

	edge := domain.EdgeFromEvent(event)
	created, err := s.store.RecordTransfer(ctx, edge)
	if err != nil {
		metrics.GetOrRegisterCounter("graph.write_failed", s.registry).Inc(1)
		return false, fmt.Errorf("record transfer %s: %w", edge.TxnID, err)
	}
	if !created {
		s.logger.DebugContext(ctx, "edge already recorded", "txnId", edge.TxnID)
		return false, nil
	}
	metrics.GetOrRegisterCounter("graph.edges_recorded", s.registry).Inc(1)
	s.logger.InfoContext(ctx, "transfer recorded", "sender", edge.Sender, "receiver", edge.Receiver, "txnId", edge.TxnID)

	if s.publisher != nil {
		update := domain.GraphUpdateEvent{Sender: edge.Sender, Receiver: edge.Receiver, Amount: edge.Amount, TxnID: edge.TxnID}
		msg, err := bus.NewJSONMessage(bus.TopicGraphUpdates, domain.EventTypeGraphUpdated, edge.TxnID, update)
		if err == nil {
			s.publisher.Publish(ctx, msg)
		}
	}
	for _, l := range s.listeners {
		l.EdgeRecorded(ctx, edge, event)
	}
	return true, nil
}

// FanIn computes the mule score for userID.
func (s *Service) FanIn(ctx context.Context, userID string) (FanIn, error) {
	degree, err := s.store.InDegree(ctx, userID)
	if err != nil {
		return FanIn{}, fmt.Errorf("in-degree for %s: %w", userID, err)
	}
	return FanIn{UserID: userID, InDegree: degree, FraudScore: FanInScore(degree)}, nil
}

// Cycle returns the first short ring through userID, or nil.
func (s *Service) Cycle(ctx context.Context, userID string) (domain.Cycle, error) {
	cycle, err := s.store.FindCycle(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("cycle query for %s: %w", userID, err)
	}
	return cycle, nil
}
