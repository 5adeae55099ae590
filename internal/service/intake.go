package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// Enqueuer is the producer side of the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx domain.Transaction) error
}

// IntakeService turns authenticated request bodies into queued transactions.
type IntakeService struct {
	queue  Enqueuer
	logger *slog.Logger
	nowFn  func() time.Time
	newID  func() string
}

// NewIntakeService constructs an IntakeService over queue.
func NewIntakeService(queue Enqueuer, logger *slog.Logger) *IntakeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeService{
		queue:  queue,
		logger: logger.With("component", "intake"),
		nowFn:  time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (s *IntakeService) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// Submit parses body, assigns server-owned fields and enqueues the transaction.
// Body problems wrap ErrInvalidTransaction; anything else is an infrastructure error.
func (s *IntakeService) Submit(ctx context.Context, body []byte) (Accepted, error) {
	var req AssessRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return s.SubmitRequest(ctx, req)
}

// SubmitRequest validates and enqueues an already decoded request.
func (s *IntakeService) SubmitRequest(ctx context.Context, req AssessRequest) (Accepted, error) {
	req = normalizeRequest(req)
	if err := validateRequest(req); err != nil {
		return Accepted{}, err
	}
	if req.TxnID == "" {
		req.TxnID = s.newID()
	}

	tx := domain.Transaction{
		TxnID:             req.TxnID,
		UserID:            req.UserID,
		ReceiverID:        req.ReceiverID,
		Amount:            req.Amount.Decimal,
		Currency:          req.Currency,
		MerchantID:        req.MerchantID,
		TxnType:           req.TxnType,
		DeviceFingerprint: req.DeviceFingerprint,
		Timestamp:         s.nowFn().UTC(),
	}
	if err := s.queue.Enqueue(ctx, tx); err != nil {
		return Accepted{}, fmt.Errorf("enqueue transaction %s: %w", tx.TxnID, err)
	}
	s.logger.InfoContext(ctx, "transaction queued", "txnId", tx.TxnID, "userId", tx.UserID, "amount", tx.Amount.String(), "currency", tx.Currency)

	return Accepted{TxnID: tx.TxnID, Status: StatusPending, Message: acceptedMessage}, nil
}
