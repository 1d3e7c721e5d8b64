package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-engine")

// Engine holds an ordered, immutable sequence of rules and evaluates a
// single transaction against them. Register only during assembly; after
// that the rule sequence is read-only shared state and the engine is
// safe for arbitrarily many concurrent evaluations.
type Engine struct {
	rules []Rule
	acc   domain.Accessor
}

// New creates an engine with no rules registered.
func New(acc domain.Accessor) *Engine {
	return &Engine{acc: acc}
}

// Register appends a rule to the evaluation sequence. Call only during
// startup, never concurrently with EvaluateTransaction.
func (e *Engine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// RuleCount returns the number of registered rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// EvaluateTransaction loads the transaction, resolves the owner's limit
// view, runs every registered rule in registration order, and aggregates
// the verdicts into a bounded risk score and decision.
//
// A missing transaction fails with domain.ErrNotFound. Any rule or store
// failure aborts the whole evaluation: no partial result is ever
// returned, because a decision from an incomplete rule set would
// understate risk.
func (e *Engine) EvaluateTransaction(ctx context.Context, txID int64) (*domain.EvaluationResult, error) {
	ctx, span := tracer.Start(ctx, "engine.EvaluateTransaction")
	defer span.End()
	span.SetAttributes(attribute.Int64("tx.id", txID))

	tx, err := e.acc.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("transaction %d: %w", txID, err)
	}

	limits, err := ResolveLimits(ctx, tx.UserID, e.acc)
	if err != nil {
		return nil, err
	}

	verdicts := make([]domain.RuleVerdict, 0, len(e.rules))
	for _, rule := range e.rules {
		verdict, err := rule.Evaluate(ctx, tx, limits, e.acc)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		verdict.RuleName = rule.Name()
		verdicts = append(verdicts, verdict)
	}

	score := AggregateScore(verdicts)
	result := &domain.EvaluationResult{
		TransactionID: txID,
		RiskScore:     score,
		Decision:      DecisionForScore(score),
		Verdicts:      verdicts,
	}

	span.SetAttributes(
		attribute.Int("risk.score", result.RiskScore),
		attribute.String("risk.decision", string(result.Decision)),
	)
	return result, nil
}

// NewDefault assembles an engine with the four built-in rules registered
// in the standard order and weights: MaxAmount(30), Velocity(25),
// MonthlyLimit(35), CountryBlock(40).
func NewDefault(acc domain.Accessor) (*Engine, error) {
	e := New(acc)

	maxAmount, err := NewMaxAmountRule(DefaultMaxAmountWeight)
	if err != nil {
		return nil, err
	}
	velocity, err := NewVelocityRule(DefaultVelocityWeight)
	if err != nil {
		return nil, err
	}
	monthly, err := NewMonthlyLimitRule(DefaultMonthlyLimitWeight)
	if err != nil {
		return nil, err
	}
	country, err := NewCountryBlockRule(DefaultCountryBlockWeight)
	if err != nil {
		return nil, err
	}

	e.Register(maxAmount)
	e.Register(velocity)
	e.Register(monthly)
	e.Register(country)
	return e, nil
}

// MustDefault is NewDefault for assembly paths where the built-in
// weights are known constants; it panics on a construction error.
func MustDefault(acc domain.Accessor) *Engine {
	e, err := NewDefault(acc)
	if err != nil {
		panic(err)
	}
	return e
}
