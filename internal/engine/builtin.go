package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Default weights for the built-in rules.
const (
	DefaultMaxAmountWeight    = 30
	DefaultVelocityWeight     = 25
	DefaultMonthlyLimitWeight = 35
	DefaultCountryBlockWeight = 40
)

// MaxAmountRule triggers when the transaction amount strictly exceeds
// the user's maximum single-transaction amount. An amount exactly equal
// to the limit does not trigger.
type MaxAmountRule struct {
	baseRule
}

// NewMaxAmountRule creates a MaxAmountRule with the given weight.
func NewMaxAmountRule(weight int) (*MaxAmountRule, error) {
	base, err := newBaseRule("MaxAmountRule", weight)
	if err != nil {
		return nil, err
	}
	return &MaxAmountRule{baseRule: base}, nil
}

func (r *MaxAmountRule) Evaluate(ctx context.Context, tx *domain.Transaction, limits *domain.LimitsView, acc domain.Accessor) (domain.RuleVerdict, error) {
	limit := limits.MaxTransactionAmount
	if limit == nil {
		return r.pass("no amount limit set"), nil
	}
	if tx.Amount <= *limit {
		return r.pass(fmt.Sprintf("amount %v within limit %v", tx.Amount, *limit)), nil
	}
	return r.trigger(fmt.Sprintf("amount %v exceeds limit %v", tx.Amount, *limit)), nil
}

// VelocityRule triggers when the count of the user's transactions in the
// rolling hour ending at evaluation time strictly exceeds the hourly
// limit. The window is measured backward from now, not calendar-aligned.
type VelocityRule struct {
	baseRule

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewVelocityRule creates a VelocityRule with the given weight.
func NewVelocityRule(weight int) (*VelocityRule, error) {
	base, err := newBaseRule("VelocityRule", weight)
	if err != nil {
		return nil, err
	}
	return &VelocityRule{baseRule: base, now: time.Now}, nil
}

func (r *VelocityRule) Evaluate(ctx context.Context, tx *domain.Transaction, limits *domain.LimitsView, acc domain.Accessor) (domain.RuleVerdict, error) {
	limit := limits.MaxTransactionsPerHour
	if limit == nil {
		return r.pass("no velocity limit set"), nil
	}
	since := r.now().UTC().Add(-time.Hour)
	count, err := acc.CountTransactionsSince(ctx, tx.UserID, since)
	if err != nil {
		return domain.RuleVerdict{}, fmt.Errorf("velocity count for user %d: %w", tx.UserID, err)
	}
	if count <= *limit {
		return r.pass(fmt.Sprintf("%d transactions in last hour within limit %d", count, *limit)), nil
	}
	return r.trigger(fmt.Sprintf("%d transactions in last hour exceed limit %d", count, *limit)), nil
}

// MonthlyLimitRule triggers when the sum of the user's transaction
// amounts since the start of the evaluated transaction's calendar month
// strictly exceeds the monthly spending limit. The window is
// calendar-month, not a rolling 30 days.
//
// The sum is taken over rows already persisted at evaluation time, and
// the evaluated transaction is expected to already be stored, so its own
// amount is included. Kestrel scores transactions after the fact; callers
// expecting pre-authorization semantics must account for this.
type MonthlyLimitRule struct {
	baseRule
}

// NewMonthlyLimitRule creates a MonthlyLimitRule with the given weight.
func NewMonthlyLimitRule(weight int) (*MonthlyLimitRule, error) {
	base, err := newBaseRule("MonthlyLimitRule", weight)
	if err != nil {
		return nil, err
	}
	return &MonthlyLimitRule{baseRule: base}, nil
}

func (r *MonthlyLimitRule) Evaluate(ctx context.Context, tx *domain.Transaction, limits *domain.LimitsView, acc domain.Accessor) (domain.RuleVerdict, error) {
	limit := limits.MonthlySpendingLimit
	if limit == nil {
		return r.pass("no monthly limit set"), nil
	}
	created := tx.CreatedAt.UTC()
	startOfMonth := time.Date(created.Year(), created.Month(), 1, 0, 0, 0, 0, time.UTC)
	total, err := acc.SumTransactionAmountsSince(ctx, tx.UserID, startOfMonth)
	if err != nil {
		return domain.RuleVerdict{}, fmt.Errorf("monthly sum for user %d: %w", tx.UserID, err)
	}
	if total <= *limit {
		return r.pass(fmt.Sprintf("monthly total %v within limit %v", total, *limit)), nil
	}
	return r.trigger(fmt.Sprintf("monthly total %v exceeds limit %v", total, *limit)), nil
}

// CountryBlockRule triggers when the transaction country is non-empty
// and present in the user's blocked set. Membership is case-insensitive
// and whitespace-trimmed on both sides; no ISO validation is performed.
type CountryBlockRule struct {
	baseRule
}

// NewCountryBlockRule creates a CountryBlockRule with the given weight.
func NewCountryBlockRule(weight int) (*CountryBlockRule, error) {
	base, err := newBaseRule("CountryBlockRule", weight)
	if err != nil {
		return nil, err
	}
	return &CountryBlockRule{baseRule: base}, nil
}

func (r *CountryBlockRule) Evaluate(ctx context.Context, tx *domain.Transaction, limits *domain.LimitsView, acc domain.Accessor) (domain.RuleVerdict, error) {
	if len(limits.BlockedCountries) == 0 {
		return r.pass("no countries blocked"), nil
	}
	country := strings.ToUpper(strings.TrimSpace(tx.Country))
	if country == "" {
		return r.pass("transaction has no country"), nil
	}
	for _, blocked := range limits.BlockedCountries {
		if country == strings.ToUpper(strings.TrimSpace(blocked)) {
			return r.trigger(fmt.Sprintf("country %s is blocked", country)), nil
		}
	}
	return r.pass(fmt.Sprintf("country %s not in blocked list", country)), nil
}
