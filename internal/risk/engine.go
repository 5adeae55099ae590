// Package risk scores transactions against a configurable rule table.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// Rule is one scoring signal.
type Rule interface {
	ID() string
	Score() int
	Matches(ctx context.Context, tx domain.Transaction) (bool, error)
}

type amountAboveRule struct{ spec RuleSpec }

func (r amountAboveRule) ID() string { return r.spec.ID }
func (r amountAboveRule) Score() int { return r.spec.Score }
func (r amountAboveRule) Matches(_ context.Context, tx domain.Transaction) (bool, error) {
	return tx.Amount.GreaterThan(r.spec.Amount), nil
}

type currencyNotRule struct{ spec RuleSpec }

func (r currencyNotRule) ID() string { return r.spec.ID }
func (r currencyNotRule) Score() int { return r.spec.Score }
func (r currencyNotRule) Matches(_ context.Context, tx domain.Transaction) (bool, error) {
	return !strings.EqualFold(tx.Currency, r.spec.Currency), nil
}

type velocityRule struct {
	spec    RuleSpec
	counter VelocityCounter
}

func (r velocityRule) ID() string { return r.spec.ID }
func (r velocityRule) Score() int { return r.spec.Score }
func (r velocityRule) Matches(ctx context.Context, tx domain.Transaction) (bool, error) {
	count, err := r.counter.Observe(ctx, tx.UserID, tx.TxnID, tx.Timestamp, r.spec.Window)
	if err != nil {
		return false, err
	}
	return count > r.spec.Limit, nil
}

type randomRule struct {
	spec RuleSpec
	draw func() float64
}

func (r randomRule) ID() string { return r.spec.ID }
func (r randomRule) Score() int { return r.spec.Score }
func (r randomRule) Matches(context.Context, domain.Transaction) (bool, error) {
	return r.draw() > 1-r.spec.Probability, nil
}

type blocklistRule struct {
	spec RuleSpec
	list Blocklist
}

func (r blocklistRule) ID() string { return r.spec.ID }
func (r blocklistRule) Score() int { return r.spec.Score }
func (r blocklistRule) Matches(ctx context.Context, tx domain.Transaction) (bool, error) {
	if tx.ReceiverID == "" {
		return false, nil
	}
	return r.list.Contains(ctx, tx.ReceiverID)
}

// Engine evaluates transactions. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	rules      []Rule
	thresholds Thresholds
	merchants  map[string]MerchantPolicy
	now        func() time.Time
	logger     *slog.Logger
}

// Option customises an Engine.
type Option func(*engineDeps)

type engineDeps struct {
	velocity  VelocityCounter
	blocklist Blocklist
	draw      func() float64
	now       func() time.Time
	logger    *slog.Logger
}

// WithVelocityCounter sets the sliding-window store.
func WithVelocityCounter(c VelocityCounter) Option {
	return func(d *engineDeps) { d.velocity = c }
}

// WithBlocklist sets the counterparty blocklist.
func WithBlocklist(b Blocklist) Option {
	return func(d *engineDeps) { d.blocklist = b }
}

// WithRandom overrides the draw used by random rules.
func WithRandom(draw func() float64) Option {
	return func(d *engineDeps) { d.draw = draw }
}

// WithClock overrides the assessment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *engineDeps) { d.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *engineDeps) { d.logger = l }
}

// NewEngine compiles the rule table.
func NewEngine(table RuleTable, opts ...Option) (*Engine, error) {
	deps := engineDeps{
		velocity:  NewMemoryVelocityCounter(),
		blocklist: NewStaticBlocklist(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.draw == nil {
		var mu sync.Mutex
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		deps.draw = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule table: %w", err)
	}

	rules := make([]Rule, 0, len(table.Rules))
	for _, spec := range table.Rules {
		if spec.Disabled {
			continue
		}
		switch spec.Kind {
		case KindAmountAbove:
			rules = append(rules, amountAboveRule{spec: spec})
		case KindCurrencyNot:
			rules = append(rules, currencyNotRule{spec: spec})
		case KindVelocity:
			rules = append(rules, velocityRule{spec: spec, counter: deps.velocity})
		case KindRandomVelocity:
			rules = append(rules, randomRule{spec: spec, draw: deps.draw})
		case KindBlocklist:
			rules = append(rules, blocklistRule{spec: spec, list: deps.blocklist})
		}
	}

	merchants := make(map[string]MerchantPolicy, len(table.Merchants))
	for id, m := range table.Merchants {
		merchants[id] = MerchantPolicy{Mode: strings.ToUpper(m.Mode)}
	}

	return &Engine{
		rules:      rules,
		thresholds: table.Thresholds,
		merchants:  merchants,
		now:        deps.now,
		logger:     deps.logger.With("component", "risk_engine"),
	}, nil
}

// Rules returns the compiled rule ids in evaluation order.
func (e *Engine) Rules() []string {
	ids := make([]string, len(e.rules))
	for i, r := range e.rules {
		ids[i] = r.ID()
	}
	return ids
}

// Evaluate scores tx. Rules are independent and additive; a rule whose backing store
// fails is treated as not fired.
func (e *Engine) Evaluate(ctx context.Context, tx domain.Transaction) domain.RiskAssessment {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = e.now()
	}

	score := 0
	flags := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		fired, err := rule.Matches(ctx, tx)
		if err != nil {
			e.logger.WarnContext(ctx, "rule evaluation failed", "rule", rule.ID(), "txnId", tx.TxnID, "error", err)
			continue
		}
		if fired {
			score += rule.Score()
			flags = append(flags, rule.ID())
		}
	}

	action := e.thresholds.Decide(score)
	assessment := domain.RiskAssessment{
		TxnID:     tx.TxnID,
		Score:     score,
		Flags:     flags,
		Action:    action,
		Timestamp: e.now().UTC(),
		Enforced:  true,
	}

	if action == domain.ActionBlock && e.monitored(tx) {
		e.logger.InfoContext(ctx, "suppressing BLOCK for merchant in monitor mode", "txnId", tx.TxnID, "merchant", merchantKey(tx), "score", score)
		assessment.Action = domain.ActionAllow
		assessment.RecommendedAction = domain.ActionBlock
		assessment.Enforced = false
	}
	return assessment
}

func (e *Engine) monitored(tx domain.Transaction) bool {
	policy, ok := e.merchants[merchantKey(tx)]
	return ok && policy.Mode == MerchantModeMonitor
}

// merchantKey prefers an explicit merchant id and falls back to the payee.
func merchantKey(tx domain.Transaction) string {
	if tx.MerchantID != "" {
		return tx.MerchantID
	}
	return tx.ReceiverID
}
