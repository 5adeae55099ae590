package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vanshika/fintrace/riskpipe/internal/bus"
)

// TaskError accumulates multiple errors produced during bulk work.
type TaskError struct {
	Errors []error
}

func (e *TaskError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := "multiple errors:"
	for _, err := range e.Errors {
		msg += " " + err.Error() + ";"
	}
	return msg
}

func (e *TaskError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *TaskError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// ForEach calls fn for every index in [0, total) on a fixed number of workers. Item
// failures are collected into a *TaskError; cancellation is returned as is.
func ForEach(ctx context.Context, workers, total int, fn func(ctx context.Context, idx int) error) error {
	if total == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 4
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			if err := fn(ctx, idx); err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	if err := ctx.Err(); err != nil {
		return err
	}
	var taskErr TaskError
	for err := range errCh {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		taskErr.append(err)
	}
	return taskErr.asError()
}

// Subscription binds a bus handler to a topic on one subscriber.
type Subscription struct {
	Name       string
	Subscriber bus.Subscriber
	Topic      string
	Handler    bus.Handler
}

// ConsumerPool runs the scoring consumers and the downstream subscriptions as one
// unit. The first subscription to fail cancels the rest.
type ConsumerPool struct {
	processor     *Processor
	consumers     int
	subscriptions []Subscription
	logger        *slog.Logger
}

// NewConsumerPool creates a pool with the provided concurrency.
func NewConsumerPool(processor *Processor, consumers int, logger *slog.Logger, subs ...Subscription) *ConsumerPool {
	if consumers <= 0 {
		consumers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerPool{
		processor:     processor,
		consumers:     consumers,
		subscriptions: subs,
		logger:        logger.With("component", "consumer_pool"),
	}
}

// Run blocks until ctx is done or a subscription fails.
func (p *ConsumerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if p.processor != nil {
		for i := 0; i < p.consumers; i++ {
			g.Go(func() error { return p.processor.Run(gctx) })
		}
	}
	for _, sub := range p.subscriptions {
		sub := sub // per-iteration copy; module targets go 1.21 loop semantics
		g.Go(func() error {
			p.logger.InfoContext(gctx, "starting subscription", "name", sub.Name, "topic", sub.Topic)
			if err := sub.Subscriber.Subscribe(gctx, sub.Topic, sub.Handler); err != nil {
				return fmt.Errorf("subscription %s: %w", sub.Name, err)
			}
			return nil
		})
	}

	p.logger.InfoContext(ctx, "consumer pool started", "consumers", p.consumers, "subscriptions", len(p.subscriptions))
	err := g.Wait()
	p.logger.Info("consumer pool stopped", "error", err)
	return err
}
