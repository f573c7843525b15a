package domain

import "time"

// PinCredential stores the hashed transaction PIN for an account.
type PinCredential struct {
	AccountID  string `json:"account_id"`
	PinHash    string `json:"-"`
	PinSalt    string `json:"-"`
	Iterations int    `json:"-"`
}

// LockoutRecord tracks consecutive PIN failures. It is owned by the ledger.
type LockoutRecord struct {
	AccountID   string     `json:"account_id"`
	FailedCount int        `json:"failed_count"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// IsLocked reports whether the lock window is still open at now.
func (r *LockoutRecord) IsLocked(now time.Time) bool {
	return r != nil && r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// BalanceCheckResult is derived for a single submission and never persisted.
type BalanceCheckResult struct {
	Balance    int64 `json:"balance"`
	Required   int64 `json:"required"`
	Shortfall  int64 `json:"shortfall"`
	Sufficient bool  `json:"sufficient"`
}

// NewBalanceCheckResult computes shortfall and sufficiency for required = amount + fee.
func NewBalanceCheckResult(balance, amount, fee int64) BalanceCheckResult {
	required := amount + fee
	shortfall := required - balance
	if shortfall < 0 {
		shortfall = 0
	}
	return BalanceCheckResult{
		Balance:    balance,
		Required:   required,
		Shortfall:  shortfall,
		Sufficient: balance >= required,
	}
}

// TransactionLimitPolicy is process-wide and read-only at runtime. Zero disables a check.
type TransactionLimitPolicy struct {
	MaxSingleAmount int64 // in kobo
	MaxDailyCount   int
	MaxDailyAmount  int64 // in kobo
}

// RollingUsage is the account's transfer usage since the start of the current day.
type RollingUsage struct {
	CountToday  int   `json:"count_today"`
	AmountToday int64 `json:"amount_today"`
}

const (
	LimitTypeSingleTransaction = "single_transaction"
	LimitTypeDailyCount        = "daily_count"
	LimitTypeDailyAmount       = "daily_amount"
)

// LimitCheckResult reports the outcome of the transaction-limit gate.
type LimitCheckResult struct {
	Valid     bool   `json:"valid"`
	LimitType string `json:"limit_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
