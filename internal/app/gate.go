package app

import (
	"context"
	"fmt"
	"time"

	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
)

// Gate runs the balance and limit checks that precede PIN verification.
type Gate struct {
	ledger   store.Ledger
	policy   domain.TransactionLimitPolicy
	location *time.Location
	now      func() time.Time
}

func NewGate(ledger store.Ledger, policy domain.TransactionLimitPolicy, location *time.Location) *Gate {
	if location == nil {
		location = time.UTC
	}
	return &Gate{ledger: ledger, policy: policy, location: location, now: time.Now}
}

func (g *Gate) SufficientBalance(ctx context.Context, accountID string, amount, fee int64) (*domain.BalanceCheckResult, error) {
	balance, err := g.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	result := domain.NewBalanceCheckResult(balance, amount, fee)
	return &result, nil
}

// WithinLimits checks the single-transfer cap first, then today's count and total.
// A zero policy field disables that check.
func (g *Gate) WithinLimits(ctx context.Context, accountID string, amount int64) (*domain.LimitCheckResult, error) {
	if g.policy.MaxSingleAmount > 0 && amount > g.policy.MaxSingleAmount {
		return &domain.LimitCheckResult{
			LimitType: domain.LimitTypeSingleTransaction,
			Reason:    fmt.Sprintf("Maximum single transfer is %s", domain.FormatNaira(g.policy.MaxSingleAmount)),
		}, nil
	}
	if g.policy.MaxDailyCount <= 0 && g.policy.MaxDailyAmount <= 0 {
		return &domain.LimitCheckResult{Valid: true}, nil
	}

	usage, err := g.ledger.GetRollingUsage(ctx, accountID, g.startOfDay())
	if err != nil {
		return nil, fmt.Errorf("load rolling usage: %w", err)
	}

	if g.policy.MaxDailyCount > 0 && usage.CountToday+1 > g.policy.MaxDailyCount {
		return &domain.LimitCheckResult{
			LimitType: domain.LimitTypeDailyCount,
			Reason:    fmt.Sprintf("Daily limit of %d transfers reached", g.policy.MaxDailyCount),
		}, nil
	}
	if g.policy.MaxDailyAmount > 0 && amount > g.policy.MaxDailyAmount-usage.AmountToday {
		remaining := g.policy.MaxDailyAmount - usage.AmountToday
		if remaining < 0 {
			remaining = 0
		}
		return &domain.LimitCheckResult{
			LimitType: domain.LimitTypeDailyAmount,
			Reason:    fmt.Sprintf("Daily transfer limit is %s; %s remaining today", domain.FormatNaira(g.policy.MaxDailyAmount), domain.FormatNaira(remaining)),
		}, nil
	}
	return &domain.LimitCheckResult{Valid: true}, nil
}

func (g *Gate) startOfDay() time.Time {
	now := g.now().In(g.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.location)
}
