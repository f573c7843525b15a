package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/transfer-authorization-service/internal/domain"
)

const (
	defaultLockoutThreshold = 3
	defaultLockoutDuration  = 15 * time.Minute
)

// normalizeLockoutParams falls back to the standard policy for non-positive inputs.
func normalizeLockoutParams(threshold int, lockDuration time.Duration) (int, int) {
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}
	seconds := int(lockDuration.Seconds())
	if seconds <= 0 {
		seconds = int(defaultLockoutDuration.Seconds())
	}
	return threshold, seconds
}

// GetLockout returns the account's failure counter. An account that never failed has a zero record.
func (r *PostgresLedger) GetLockout(ctx context.Context, accountID string) (*domain.LockoutRecord, error) {
	record := domain.LockoutRecord{AccountID: accountID}
	query := `
		SELECT failed_count, locked_until
		FROM pin_lockouts
		WHERE account_id = $1
	`
	if err := r.db.QueryRow(ctx, query, accountID).Scan(&record.FailedCount, &record.LockedUntil); err != nil {
		if err == pgx.ErrNoRows {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}

// RecordFailedAttempt increments the failure counter in a single upsert. Reaching the
// threshold sets locked_until and resets the counter to zero in the same statement;
// a lock that has already elapsed is cleared.
func (r *PostgresLedger) RecordFailedAttempt(
	ctx context.Context,
	accountID string,
	threshold int,
	lockDuration time.Duration,
) (*domain.LockoutRecord, error) {
	threshold, lockoutSeconds := normalizeLockoutParams(threshold, lockDuration)

	query := `
		INSERT INTO pin_lockouts (
			account_id,
			failed_count,
			locked_until,
			last_failed_at,
			updated_at
		)
		VALUES (
			$1,
			CASE WHEN $2 <= 1 THEN 0 ELSE 1 END,
			CASE WHEN $2 <= 1 THEN NOW() + ($3 * INTERVAL '1 second') ELSE NULL END,
			NOW(),
			NOW()
		)
		ON CONFLICT (account_id)
		DO UPDATE SET
			failed_count = CASE
				WHEN pin_lockouts.failed_count + 1 >= $2 THEN 0
				ELSE pin_lockouts.failed_count + 1
			END,
			locked_until = CASE
				WHEN pin_lockouts.failed_count + 1 >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				WHEN pin_lockouts.locked_until IS NOT NULL
					AND pin_lockouts.locked_until <= NOW() THEN NULL
				ELSE pin_lockouts.locked_until
			END,
			last_failed_at = NOW(),
			updated_at = NOW()
		RETURNING failed_count, locked_until
	`

	record := domain.LockoutRecord{AccountID: accountID}
	if err := r.db.QueryRow(ctx, query, accountID, threshold, lockoutSeconds).Scan(&record.FailedCount, &record.LockedUntil); err != nil {
		return nil, err
	}
	return &record, nil
}

// ResetFailedAttempts clears the failure counter after a successful PIN verification.
func (r *PostgresLedger) ResetFailedAttempts(ctx context.Context, accountID string) error {
	query := `
		UPDATE pin_lockouts
		SET failed_count = 0, last_failed_at = NULL, locked_until = NULL, updated_at = NOW()
		WHERE account_id = $1
	`
	_, err := r.db.Exec(ctx, query, accountID)
	return err
}
