package risk

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vanshika/fintrace/riskpipe/internal/domain"
)

// Rule identifiers emitted as flags.
const (
	FlagHighAmount      = "HIGH_AMOUNT"
	FlagForeignCurrency = "FOREIGN_CURRENCY"
	FlagVelocitySpike   = "VELOCITY_SPIKE"
	FlagBlocklisted     = "BLOCKLISTED_COUNTERPARTY"
)

// Rule kinds understood by the table loader.
const (
	KindAmountAbove    = "amount_above"
	KindCurrencyNot    = "currency_not"
	KindVelocity       = "velocity"
	KindRandomVelocity = "random"
	KindBlocklist      = "blocklist"
)

// MerchantModeMonitor evaluates but never enforces a BLOCK.
const MerchantModeMonitor = "MONITOR"

// Thresholds maps a score to an action with strict comparisons.
type Thresholds struct {
	Block  int `yaml:"block"`
	Review int `yaml:"review"`
}

// RuleSpec is one row of the rule table.
type RuleSpec struct {
	ID       string          `yaml:"id"`
	Kind     string          `yaml:"kind"`
	Score    int             `yaml:"score"`
	Amount   decimal.Decimal `yaml:"amount"`
	Currency string          `yaml:"currency"`
	// Velocity settings: more than Limit transfers by one sender inside Window.
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
	// Probability applies to the random kind.
	Probability float64 `yaml:"probability"`
	Disabled    bool    `yaml:"disabled"`
}

// MerchantPolicy configures per-merchant enforcement.
type MerchantPolicy struct {
	Mode string `yaml:"mode"`
}

// RuleTable is the full configurable scoring policy.
type RuleTable struct {
	Thresholds Thresholds                `yaml:"thresholds"`
	Rules      []RuleSpec                `yaml:"rules"`
	Merchants  map[string]MerchantPolicy `yaml:"merchants"`
}

// DefaultRuleTable is used when no rule file is configured.
func DefaultRuleTable() RuleTable {
	return RuleTable{
		Thresholds: Thresholds{Block: 80, Review: 50},
		Rules: []RuleSpec{
			{ID: FlagHighAmount, Kind: KindAmountAbove, Score: 40, Amount: decimal.NewFromInt(10000)},
			{ID: FlagForeignCurrency, Kind: KindCurrencyNot, Score: 20, Currency: domain.DefaultCurrency},
			{ID: FlagVelocitySpike, Kind: KindVelocity, Score: 30, Window: time.Minute, Limit: 5},
			{ID: FlagBlocklisted, Kind: KindBlocklist, Score: 100},
		},
		Merchants: map[string]MerchantPolicy{},
	}
}

// LoadRuleTable reads a YAML rule table. An empty path yields the defaults.
func LoadRuleTable(path string) (RuleTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRuleTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("read rule table: %w", err)
	}
	return ParseRuleTable(raw)
}

// ParseRuleTable decodes and validates a YAML rule table. Omitted thresholds keep
// their defaults.
func ParseRuleTable(raw []byte) (RuleTable, error) {
	table := RuleTable{Thresholds: DefaultRuleTable().Thresholds}
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return RuleTable{}, fmt.Errorf("decode rule table: %w", err)
	}
	if table.Merchants == nil {
		table.Merchants = map[string]MerchantPolicy{}
	}
	if err := table.Validate(); err != nil {
		return RuleTable{}, err
	}
	return table, nil
}

// Validate checks that every row is usable.
func (t RuleTable) Validate() error {
	if t.Thresholds.Review >= t.Thresholds.Block {
		return fmt.Errorf("review threshold %d must be below block threshold %d", t.Thresholds.Review, t.Thresholds.Block)
	}
	seen := make(map[string]struct{}, len(t.Rules))
	var errs []error
	for i, r := range t.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule %d: id is required", i))
			continue
		}
		if _, dup := seen[r.ID]; dup {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
		}
		seen[r.ID] = struct{}{}
		if r.Score < 0 {
			errs = append(errs, fmt.Errorf("rule %s: score must be non-negative", r.ID))
		}
		switch r.Kind {
		case KindAmountAbove, KindBlocklist:
		case KindCurrencyNot:
			if r.Currency == "" {
				errs = append(errs, fmt.Errorf("rule %s: currency is required", r.ID))
			}
		case KindVelocity:
			if r.Window <= 0 || r.Limit <= 0 {
				errs = append(errs, fmt.Errorf("rule %s: window and limit must be positive", r.ID))
			}
		case KindRandomVelocity:
			if r.Probability < 0 || r.Probability > 1 {
				errs = append(errs, fmt.Errorf("rule %s: probability must be within [0,1]", r.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind))
		}
	}
	for id, m := range t.Merchants {
		mode := strings.ToUpper(m.Mode)
		if mode != MerchantModeMonitor && mode != "ENFORCE" && mode != "" {
			errs = append(errs, fmt.Errorf("merchant %s: unknown mode %q", id, m.Mode))
		}
	}
	return errors.Join(errs...)
}

// Decide maps a score to an action: above Block blocks, above Review reviews.
func (t Thresholds) Decide(score int) domain.Action {
	switch {
	case score > t.Block:
		return domain.ActionBlock
	case score > t.Review:
		return domain.ActionReview
	default:
		return domain.ActionAllow
	}
}

// Decide applies the default thresholds.
func Decide(score int) domain.Action {
	return DefaultRuleTable().Thresholds.Decide(score)
}
