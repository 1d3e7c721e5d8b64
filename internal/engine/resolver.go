package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ResolveLimits turns a possibly-absent stored limits record into a
// concrete, fully-defaulted view. A user with no stored record gets the
// all-unlimited view with an empty blocked set; that default carries the
// "no configuration means nothing is restricted" policy, so absence is
// not an error. A nil stored blocked list normalizes to an empty slice
// so it is never nil downstream. Pure read, no side effects.
func ResolveLimits(ctx context.Context, userID int64, acc domain.Accessor) (*domain.LimitsView, error) {
	record, err := acc.GetLimits(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UnlimitedView(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("limits for user %d: %w", userID, err)
	}

	blocked := record.BlockedCountries
	if blocked == nil {
		blocked = []string{}
	}
	return &domain.LimitsView{
		MaxTransactionAmount:   record.MaxTransactionAmount,
		MaxTransactionsPerHour: record.MaxTransactionsPerHour,
		MonthlySpendingLimit:   record.MonthlySpendingLimit,
		BlockedCountries:       blocked,
	}, nil
}
