package engine

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Decision thresholds on the clamped risk score.
const (
	// ReviewThreshold is the lowest score that yields REVIEW.
	ReviewThreshold = 40

	// BlockThreshold is the highest score that still yields REVIEW.
	BlockThreshold = 70

	// MaxScore is the ceiling the aggregate score is clamped to.
	MaxScore = 100
)

// AggregateScore sums the risk contributions of all verdicts and clamps
// the result to MaxScore. Summation is commutative, so verdict order
// never affects the score.
func AggregateScore(verdicts []domain.RuleVerdict) int {
	score := 0
	for _, v := range verdicts {
		score += v.RiskContribution
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// DecisionForScore maps a clamped score to a decision:
// s < 40 ALLOW, 40 <= s <= 70 REVIEW, s > 70 BLOCK.
func DecisionForScore(score int) domain.Decision {
	switch {
	case score < ReviewThreshold:
		return domain.DecisionAllow
	case score <= BlockThreshold:
		return domain.DecisionReview
	default:
		return domain.DecisionBlock
	}
}
