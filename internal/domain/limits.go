package domain

// LimitsRecord is the stored per-user limit configuration.
// One row per user; all limits are optional. A nil limit means
// "unlimited", which is distinct from a limit of zero.
type LimitsRecord struct {
	UserID int64 `json:"userId"`

	MaxTransactionAmount   *float64 `json:"maxTransactionAmount,omitempty"`
	MaxTransactionsPerHour *int64   `json:"maxTransactionsPerHour,omitempty"`
	MonthlySpendingLimit   *float64 `json:"monthlySpendingLimit,omitempty"`
	BlockedCountries       []string `json:"blockedCountries,omitempty"`
}

// LimitsView is the fully defaulted limit configuration used during one
// evaluation. Built fresh per evaluation and never mutated. A user with
// no stored record gets the all-unlimited view with an empty blocked set.
type LimitsView struct {
	MaxTransactionAmount   *float64
	MaxTransactionsPerHour *int64
	MonthlySpendingLimit   *float64
	BlockedCountries       []string
}

// UnlimitedView returns the view used when a user has no stored limits.
func UnlimitedView() *LimitsView {
	return &LimitsView{BlockedCountries: []string{}}
}
