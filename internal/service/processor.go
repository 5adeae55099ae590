package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/vanshika/fintrace/riskpipe/internal/bus"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
	"github.com/vanshika/fintrace/riskpipe/internal/queue"
	"github.com/vanshika/fintrace/riskpipe/internal/retry"
)

// Scorer produces the assessment for one transaction.
type Scorer interface {
	Evaluate(ctx context.Context, tx domain.Transaction) domain.RiskAssessment
}

// Processor is one scoring consumer: dequeue, score, fan out, acknowledge.
type Processor struct {
	queue     queue.Queue
	scorer    Scorer
	publisher bus.Publisher
	backoff   retry.Policy
	logger    *slog.Logger
	metrics   metrics.Registry
}

// NewProcessor wires a consumer. errorBackoff is the first wait after an
// infrastructure failure; consecutive failures double it up to a minute.
func NewProcessor(q queue.Queue, scorer Scorer, publisher bus.Publisher, errorBackoff time.Duration, logger *slog.Logger, registry metrics.Registry) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Processor{
		queue:     q,
		scorer:    scorer,
		publisher: publisher,
		backoff:   retry.Policy{BaseDelay: errorBackoff, MaxDelay: time.Minute},
		logger:    logger.With("component", "processor"),
		metrics:   registry,
	}
}

// Run consumes until ctx is done or the queue is closed. Infrastructure failures
// never end the loop.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		delivery, err := p.queue.Dequeue(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		case err != nil:
			failures++
			metrics.GetOrRegisterCounter("pipeline.transient_errors", p.metrics).Inc(1)
			wait := p.backoff.Backoff(failures)
			p.logger.ErrorContext(ctx, "dequeue failed; backing off", "error", err, "wait", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		failures = 0

		if err := p.Process(ctx, delivery); err != nil {
			p.logger.ErrorContext(ctx, "processing failed", "error", err)
		}
	}
}

// Process handles one delivery. Malformed payloads are rejected without requeue.
func (p *Processor) Process(ctx context.Context, d *queue.Delivery) error {
	tx, err := domain.DecodeTransaction(d.Body)
	if err != nil {
		metrics.GetOrRegisterCounter("pipeline.malformed", p.metrics).Inc(1)
		p.logger.WarnContext(ctx, "dropping poison message", "error", err, "bytes", len(d.Body))
		if rerr := d.Reject(ctx, false); rerr != nil {
			return fmt.Errorf("reject poison message: %w", rerr)
		}
		return nil
	}

	start := time.Now()
	assessment := p.scorer.Evaluate(ctx, tx)
	metrics.GetOrRegisterTimer("pipeline.scoring", p.metrics).UpdateSince(start)
	metrics.GetOrRegisterCounter("pipeline.action."+string(assessment.Action), p.metrics).Inc(1)

	p.logger.InfoContext(ctx, "transaction assessed",
		"txnId", tx.TxnID,
		"score", assessment.Score,
		"flags", assessment.Flags,
		"action", assessment.Action,
		"enforced", assessment.Enforced,
	)

	if err := p.fanOut(ctx, domain.NewAssessmentEvent(tx, assessment)); err != nil {
		// Requeueing would score the transaction twice.
		p.logger.ErrorContext(ctx, "fan-out failed", "txnId", tx.TxnID, "error", err)
	}

	if err := d.Ack(ctx); err != nil {
		metrics.GetOrRegisterCounter("pipeline.ack_failed", p.metrics).Inc(1)
		return fmt.Errorf("ack %s: %w", tx.TxnID, err)
	}
	metrics.GetOrRegisterCounter("pipeline.processed", p.metrics).Inc(1)
	return nil
}

// fanOut publishes the same serialized payload on the result channel and the
// broadcast topic. Per-sink failures are counted by the bus.
func (p *Processor) fanOut(ctx context.Context, event domain.AssessmentEvent) error {
	if p.publisher == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	for _, topic := range []string{bus.ResultTopic(event.TxnID), bus.TopicTransactionEvents} {
		p.publisher.Publish(ctx, bus.Message{Topic: topic, Type: domain.EventTypeAssessed, Key: event.TxnID, Body: body})
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
