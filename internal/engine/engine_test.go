package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func defaultEngineWith(t *testing.T, acc domain.Accessor) *Engine {
	t.Helper()
	e, err := NewDefault(acc)
	if err != nil {
		t.Fatalf("failed to assemble default engine: %v", err)
	}
	return e
}

func TestEvaluateMissingTransaction(t *testing.T) {
	acc := &fakeAccessor{txs: map[int64]*domain.Transaction{}}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 42)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if result != nil {
		t.Errorf("expected no partial result, got %+v", result)
	}
}

func TestEvaluateNoConfigurationIsAlwaysSafe(t *testing.T) {
	// A user with no stored limits record gets the all-unlimited view;
	// any amount and country must score 0 and ALLOW.
	acc := &fakeAccessor{
		txs: map[int64]*domain.Transaction{
			1: testTx(1e12, "KP"),
		},
		limits: map[int64]*domain.LimitsRecord{},
		count:  100000,
		sum:    1e12,
	}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.RiskScore != 0 {
		t.Errorf("score = %d, want 0", result.RiskScore)
	}
	if result.Decision != domain.DecisionAllow {
		t.Errorf("decision = %s, want ALLOW", result.Decision)
	}
}

func TestEvaluateVerdictOrderMatchesRegistration(t *testing.T) {
	acc := &fakeAccessor{
		txs:    map[int64]*domain.Transaction{1: testTx(100, "US")},
		limits: map[int64]*domain.LimitsRecord{},
	}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	want := []string{"MaxAmountRule", "VelocityRule", "MonthlyLimitRule", "CountryBlockRule"}
	if len(result.Verdicts) != len(want) {
		t.Fatalf("got %d verdicts, want %d", len(result.Verdicts), len(want))
	}
	for i, name := range want {
		if result.Verdicts[i].RuleName != name {
			t.Errorf("verdict[%d] = %s, want %s", i, result.Verdicts[i].RuleName, name)
		}
	}
}

func TestEvaluateRuleFailureAbortsEvaluation(t *testing.T) {
	storeErr := errors.New("store unavailable")
	acc := &fakeAccessor{
		txs: map[int64]*domain.Transaction{1: testTx(100, "US")},
		limits: map[int64]*domain.LimitsRecord{
			7: {UserID: 7, MaxTransactionsPerHour: intPtr(5)},
		},
		countErr: storeErr,
	}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 1)
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store failure to propagate, got %v", err)
	}
	if result != nil {
		t.Errorf("expected no partial result, got %+v", result)
	}
}

func TestEvaluateScenarioA(t *testing.T) {
	// config {max_amount: 1000, max_per_hour: 5, monthly_limit: 5000,
	// blocked: [IR, KP]}; tx {amount: 1500, country: US}, no prior
	// history. Only MaxAmountRule triggers: score 30, ALLOW.
	acc := &fakeAccessor{
		txs: map[int64]*domain.Transaction{1: testTx(1500, "US")},
		limits: map[int64]*domain.LimitsRecord{
			7: {
				UserID:                 7,
				MaxTransactionAmount:   floatPtr(1000),
				MaxTransactionsPerHour: intPtr(5),
				MonthlySpendingLimit:   floatPtr(5000),
				BlockedCountries:       []string{"IR", "KP"},
			},
		},
		count: 1,    // the transaction itself
		sum:   1500, // already persisted, so its own amount is in the sum
	}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.RiskScore != 30 {
		t.Errorf("score = %d, want 30", result.RiskScore)
	}
	if result.Decision != domain.DecisionAllow {
		t.Errorf("decision = %s, want ALLOW", result.Decision)
	}
	triggered := map[string]bool{}
	for _, v := range result.Verdicts {
		triggered[v.RuleName] = v.Triggered
	}
	if !triggered["MaxAmountRule"] {
		t.Errorf("MaxAmountRule should trigger")
	}
	for _, name := range []string{"VelocityRule", "MonthlyLimitRule", "CountryBlockRule"} {
		if triggered[name] {
			t.Errorf("%s should not trigger", name)
		}
	}
}

func TestEvaluateScenarioB(t *testing.T) {
	// Same config, tx {amount: 100, country: "ir"}: only CountryBlockRule
	// triggers, score 40, REVIEW.
	acc := &fakeAccessor{
		txs: map[int64]*domain.Transaction{1: testTx(100, "ir")},
		limits: map[int64]*domain.LimitsRecord{
			7: {
				UserID:                 7,
				MaxTransactionAmount:   floatPtr(1000),
				MaxTransactionsPerHour: intPtr(5),
				MonthlySpendingLimit:   floatPtr(5000),
				BlockedCountries:       []string{"IR", "KP"},
			},
		},
		count: 1,
		sum:   100,
	}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.RiskScore != 40 {
		t.Errorf("score = %d, want 40", result.RiskScore)
	}
	if result.Decision != domain.DecisionReview {
		t.Errorf("decision = %s, want REVIEW", result.Decision)
	}
}

func TestEvaluateScenarioCAllRulesTriggered(t *testing.T) {
	// All four default rules trigger: raw 130 clamps to 100, BLOCK.
	acc := &fakeAccessor{
		txs: map[int64]*domain.Transaction{1: testTx(2000, "IR")},
		limits: map[int64]*domain.LimitsRecord{
			7: {
				UserID:                 7,
				MaxTransactionAmount:   floatPtr(1000),
				MaxTransactionsPerHour: intPtr(5),
				MonthlySpendingLimit:   floatPtr(5000),
				BlockedCountries:       []string{"IR", "KP"},
			},
		},
		count: 50,
		sum:   99999,
	}
	e := defaultEngineWith(t, acc)

	result, err := e.EvaluateTransaction(context.Background(), 1)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	for _, v := range result.Verdicts {
		if !v.Triggered {
			t.Errorf("%s should trigger", v.RuleName)
		}
	}
	if result.RiskScore != 100 {
		t.Errorf("score = %d, want 100 (raw 130 clamped)", result.RiskScore)
	}
	if result.Decision != domain.DecisionBlock {
		t.Errorf("decision = %s, want BLOCK", result.Decision)
	}
}

func TestConcurrentEvaluations(t *testing.T) {
	acc := &fakeAccessor{
		txs: map[int64]*domain.Transaction{
			1: testTx(1500, "US"),
		},
		limits: map[int64]*domain.LimitsRecord{
			7: {UserID: 7, MaxTransactionAmount: floatPtr(1000)},
		},
	}
	e := defaultEngineWith(t, acc)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.EvaluateTransaction(context.Background(), 1)
			if err != nil {
				t.Errorf("evaluation failed: %v", err)
				return
			}
			if result.RiskScore != 30 {
				t.Errorf("score = %d, want 30", result.RiskScore)
			}
		}()
	}
	wg.Wait()
}

func TestResolveLimitsDefaults(t *testing.T) {
	acc := &fakeAccessor{limits: map[int64]*domain.LimitsRecord{}}

	view, err := ResolveLimits(context.Background(), 7, acc)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if view.MaxTransactionAmount != nil || view.MaxTransactionsPerHour != nil || view.MonthlySpendingLimit != nil {
		t.Errorf("missing record should yield all-unlimited view: %+v", view)
	}
	if view.BlockedCountries == nil || len(view.BlockedCountries) != 0 {
		t.Errorf("blocked set should be empty, not nil: %+v", view.BlockedCountries)
	}
}

func TestResolveLimitsNormalizesNilBlockedList(t *testing.T) {
	acc := &fakeAccessor{
		limits: map[int64]*domain.LimitsRecord{
			7: {UserID: 7, MaxTransactionAmount: floatPtr(500), BlockedCountries: nil},
		},
	}

	view, err := ResolveLimits(context.Background(), 7, acc)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if view.BlockedCountries == nil {
		t.Errorf("nil stored blocked list must resolve to empty slice")
	}
	if view.MaxTransactionAmount == nil || *view.MaxTransactionAmount != 500 {
		t.Errorf("stored limit should copy verbatim: %+v", view.MaxTransactionAmount)
	}
}

func TestResolveLimitsZeroIsAValidLimit(t *testing.T) {
	acc := &fakeAccessor{
		limits: map[int64]*domain.LimitsRecord{
			7: {UserID: 7, MaxTransactionAmount: floatPtr(0)},
		},
	}

	view, err := ResolveLimits(context.Background(), 7, acc)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if view.MaxTransactionAmount == nil {
		t.Fatalf("zero limit must not be conflated with unset")
	}
	if *view.MaxTransactionAmount != 0 {
		t.Errorf("limit = %v, want 0", *view.MaxTransactionAmount)
	}
}
