package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/transfa/transfer-authorization-service/internal/store"
)

const (
	defaultMaxPINAttempts = 3
	defaultPINLockout     = 15 * time.Minute
)

// LockStatus is the answer to "may this account attempt a PIN right now".
type LockStatus struct {
	Locked           bool
	LockedUntil      time.Time
	MinutesRemaining int
}

// AttemptResult describes the lockout state after a verification was recorded.
type AttemptResult struct {
	LockedNow         bool
	LockedUntil       time.Time
	MinutesRemaining  int
	RemainingAttempts int
}

// AttemptTracker counts consecutive PIN failures per account on the ledger.
type AttemptTracker struct {
	ledger       store.Ledger
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewAttemptTracker(ledger store.Ledger, maxAttempts int, lockDuration time.Duration) *AttemptTracker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPINAttempts
	}
	if lockDuration <= 0 {
		lockDuration = defaultPINLockout
	}
	return &AttemptTracker{
		ledger:       ledger,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

func (t *AttemptTracker) CheckLock(ctx context.Context, accountID string) (LockStatus, error) {
	record, err := t.ledger.GetLockout(ctx, accountID)
	if err != nil {
		return LockStatus{}, fmt.Errorf("load lockout record: %w", err)
	}
	now := t.now()
	if !record.IsLocked(now) {
		return LockStatus{}, nil
	}
	return LockStatus{
		Locked:           true,
		LockedUntil:      *record.LockedUntil,
		MinutesRemaining: minutesUntil(now, *record.LockedUntil),
	}, nil
}

// RecordResult must be called exactly once per verification.
func (t *AttemptTracker) RecordResult(ctx context.Context, accountID string, success bool) (AttemptResult, error) {
	if success {
		if err := t.ledger.ResetFailedAttempts(ctx, accountID); err != nil {
			return AttemptResult{}, fmt.Errorf("reset failed attempts: %w", err)
		}
		return AttemptResult{RemainingAttempts: t.maxAttempts}, nil
	}

	record, err := t.ledger.RecordFailedAttempt(ctx, accountID, t.maxAttempts, t.lockDuration)
	if err != nil {
		return AttemptResult{}, fmt.Errorf("record failed attempt: %w", err)
	}

	now := t.now()
	if record.IsLocked(now) {
		log.Printf("level=warn component=attempt_tracker msg=\"account locked after repeated pin failures\" account_id=%s locked_until=%s", accountID, record.LockedUntil.UTC().Format(time.RFC3339))
		return AttemptResult{
			LockedNow:        true,
			LockedUntil:      *record.LockedUntil,
			MinutesRemaining: minutesUntil(now, *record.LockedUntil),
		}, nil
	}

	remaining := t.maxAttempts - record.FailedCount
	if remaining < 0 {
		remaining = 0
	}
	log.Printf("level=info component=attempt_tracker msg=\"pin verification failed\" account_id=%s failed_count=%d remaining=%d", accountID, record.FailedCount, remaining)
	return AttemptResult{RemainingAttempts: remaining}, nil
}

// minutesUntil rounds up so a user is never told "0 minutes" while still locked.
func minutesUntil(now, until time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	minutes := int(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	return minutes
}
