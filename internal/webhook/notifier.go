// Package webhook delivers signed assessment results to merchant callbacks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/vanshika/fintrace/riskpipe/internal/auth"
	"github.com/vanshika/fintrace/riskpipe/internal/bus"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
	"github.com/vanshika/fintrace/riskpipe/internal/retry"
)

// Outcome describes one delivery.
type Outcome struct {
	TxnID      string
	URL        string
	StatusCode int
	Attempts   int
	Delivered  bool
	Skipped    bool
	Signature  string
	Err        error
}

// Options configures a Notifier.
type Options struct {
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Registry    Registry
	DeadLetters DeadLetterStore
	HTTPClient  *http.Client
	Metrics     metrics.Registry
}

// Notifier signs and posts assessment payloads.
type Notifier struct {
	client      *http.Client
	secret      string
	registry    Registry
	deadLetters DeadLetterStore
	policy      retry.Policy
	metrics     metrics.Registry
	logger      *slog.Logger
	now         func() time.Time
}

// NewNotifier builds a Notifier. One attempt is made unless MaxAttempts says otherwise.
func NewNotifier(opts Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	registry := opts.Registry
	if registry == nil {
		registry = StaticRegistry{}
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	n := &Notifier{
		client:      client,
		secret:      opts.Secret,
		registry:    registry,
		deadLetters: opts.DeadLetters,
		metrics:     reg,
		logger:      logger.With("component", "webhook"),
		now:         time.Now,
	}
	n.policy = retry.Policy{
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.Backoff,
		MaxDelay:    30 * time.Second,
		Jitter:      opts.Backoff / 2,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			n.logger.Warn("webhook attempt failed; retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	return n
}

// Sign returns the X-Webhook-Signature value for body.
func (n *Notifier) Sign(body []byte) string {
	return auth.MAC(n.secret, body)
}

// Deliver serializes the merged payload and posts it to the registered callback.
func (n *Notifier) Deliver(ctx context.Context, assessment domain.RiskAssessment, tx domain.Transaction) Outcome {
	event := domain.NewAssessmentEvent(tx, assessment)
	body, err := json.Marshal(event)
	if err != nil {
		return Outcome{TxnID: tx.TxnID, Err: fmt.Errorf("encode payload: %w", err)}
	}
	return n.DeliverPayload(ctx, event, body)
}

// DeliverPayload posts body verbatim. The signature covers exactly these bytes.
func (n *Notifier) DeliverPayload(ctx context.Context, event domain.AssessmentEvent, body []byte) Outcome {
	out := Outcome{TxnID: event.TxnID}

	url, err := n.registry.Resolve(ctx, event)
	if err != nil {
		out.Err = err
		n.finish(ctx, out, body)
		return out
	}
	if url == "" {
		out.Skipped = true
		metrics.GetOrRegisterCounter("webhook.skipped", n.metrics).Inc(1)
		n.logger.DebugContext(ctx, "no webhook registered", "txnId", event.TxnID)
		return out
	}
	out.URL = url
	out.Signature = n.Sign(body)

	out.Attempts, out.Err = retry.Do(ctx, n.policy, func(ctx context.Context) error {
		status, err := n.post(ctx, url, body, out.Signature)
		out.StatusCode = status
		return err
	})
	out.Delivered = out.Err == nil
	n.finish(ctx, out, body)
	return out
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderWebhookSignature, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	default:
		return resp.StatusCode, retry.Permanent(fmt.Errorf("webhook rejected with %d", resp.StatusCode))
	}
}

func (n *Notifier) finish(ctx context.Context, out Outcome, body []byte) {
	if out.Delivered {
		metrics.GetOrRegisterCounter("webhook.delivered", n.metrics).Inc(1)
		n.logger.InfoContext(ctx, "webhook delivered", "txnId", out.TxnID, "url", out.URL, "status", out.StatusCode, "attempts", out.Attempts)
		return
	}
	metrics.GetOrRegisterCounter("webhook.failed", n.metrics).Inc(1)
	n.logger.ErrorContext(ctx, "webhook delivery failed", "txnId", out.TxnID, "url", out.URL, "status", out.StatusCode, "attempts", out.Attempts, "error", out.Err)

	if n.deadLetters == nil || out.URL == "" {
		return
	}
	dl := DeadLetter{
		TxnID:     out.TxnID,
		URL:       out.URL,
		Attempts:  out.Attempts,
		Error:     out.Err.Error(),
		Payload:   json.RawMessage(body),
		Signature: out.Signature,
		FailedAt:  n.now().UTC(),
	}
	if err := n.deadLetters.Park(context.WithoutCancel(ctx), dl); err != nil {
		n.logger.ErrorContext(ctx, "could not park dead letter", "txnId", out.TxnID, "error", err)
	}
}

// HandleMessage is a bus.Handler for per-transaction result channels. Delivery is
// fire-and-forget so it never returns an error.
func (n *Notifier) HandleMessage(ctx context.Context, msg bus.Message) error {
	var event domain.AssessmentEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		n.logger.WarnContext(ctx, "dropping malformed result", "topic", msg.Topic, "error", err)
		return nil
	}
	n.DeliverPayload(ctx, event, msg.Body)
	return nil
}
