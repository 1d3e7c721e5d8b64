package domain

// Decision is the categorical outcome of one evaluation.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// RuleVerdict is the output of a single rule evaluation.
// RiskContribution is the rule's weight when triggered, else 0.
type RuleVerdict struct {
	RuleName         string `json:"ruleName"`
	Triggered        bool   `json:"triggered"`
	Message          string `json:"message"`
	RiskContribution int    `json:"riskContribution"`
}

// EvaluationResult is the aggregate outcome of evaluating every
// registered rule against one transaction. Verdicts appear in rule
// registration order. RiskScore is the sum of contributions clamped
// to 100.
type EvaluationResult struct {
	TransactionID int64         `json:"transactionId"`
	RiskScore     int           `json:"riskScore"`
	Decision      Decision      `json:"decision"`
	Verdicts      []RuleVerdict `json:"ruleResults"`
}
