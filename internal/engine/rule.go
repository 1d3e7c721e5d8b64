// Package engine implements the strategy-based risk evaluation engine:
// a fixed registry of scoring rules that inspect one transaction plus its
// owner's configured limits and aggregate into a bounded risk score and a
// three-way decision.
package engine

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rule is one independent scoring strategy. Evaluate inspects a single
// transaction against the owner's resolved limits, optionally issuing
// aggregate queries through the accessor, and returns a verdict. An
// unset limit is always a pass, never an error. Rules must not write
// through the accessor.
type Rule interface {
	Name() string
	Weight() int
	Evaluate(ctx context.Context, tx *domain.Transaction, limits *domain.LimitsView, acc domain.Accessor) (domain.RuleVerdict, error)
}

// baseRule carries the name and weight shared by all built-in rules.
// Weight is fixed at construction and validated to lie in [0,100].
type baseRule struct {
	name   string
	weight int
}

func newBaseRule(name string, weight int) (baseRule, error) {
	if weight < 0 || weight > 100 {
		return baseRule{}, fmt.Errorf("rule %s: weight %d: %w", name, weight, domain.ErrInvalidWeight)
	}
	return baseRule{name: name, weight: weight}, nil
}

func (r baseRule) Name() string { return r.name }

func (r baseRule) Weight() int { return r.weight }

// pass builds a not-triggered verdict with zero contribution.
func (r baseRule) pass(message string) domain.RuleVerdict {
	return domain.RuleVerdict{
		RuleName:  r.name,
		Triggered: false,
		Message:   message,
	}
}

// trigger builds a triggered verdict contributing the rule's weight.
func (r baseRule) trigger(message string) domain.RuleVerdict {
	return domain.RuleVerdict{
		RuleName:         r.name,
		Triggered:        true,
		Message:          message,
		RiskContribution: r.weight,
	}
}
