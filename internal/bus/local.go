package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultLocalBuffer = 1024

// LocalBroker is an in-process pattern pub/sub acting as both Sink and Subscriber.
// Each subscription owns a buffered channel and a goroutine, so a slow handler only
// delays its own subscription.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[int]*localSub
	nextID int
	buffer int
	logger *slog.Logger
}

type localSub struct {
	pattern string
	ch      chan Message
	done    chan struct{}
}

// NewLocalBroker constructs an empty broker.
func NewLocalBroker(logger *slog.Logger) *LocalBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBroker{
		subs:   make(map[int]*localSub),
		buffer: defaultLocalBuffer,
		logger: logger.With("component", "local_broker"),
	}
}

func (b *LocalBroker) Name() string { return "local" }

// Publish enqueues msg for every matching subscription. It blocks only when a
// subscription buffer is full.
func (b *LocalBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	targets := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchTopic(s.pattern, msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe runs handler for matching messages until ctx is done.
func (b *LocalBroker) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	sub := &localSub{
		pattern: pattern,
		ch:      make(chan Message, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sub.ch:
			if err := safeHandle(ctx, handler, msg); err != nil {
				b.logger.ErrorContext(ctx, "subscriber failed", "pattern", pattern, "topic", msg.Topic, "error", err)
			}
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (b *LocalBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
