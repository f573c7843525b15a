/**
 * @description
 * This file provides the PostgreSQL implementation of the `Ledger` interface.
 * It contains the SQL for balances, idempotent debits, rolling transfer usage,
 * PIN credentials and the transfer records written after a confirmed payout.
 * Lockout bookkeeping lives in postgres_lockout.go.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/transfer-authorization-service/internal/domain"
)

// PostgresLedger is a concrete implementation of the Ledger interface for PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger creates a new instance of PostgresLedger.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetBalance returns the current ledger balance of an account in kobo.
func (r *PostgresLedger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, "SELECT balance FROM ledger_accounts WHERE account_id = $1", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

// Debit performs an atomic, idempotent debit on an account.
// The idempotency key is reserved in the same transaction as the balance update,
// so a concurrent replay blocks on the reservation and then observes the recorded result.
func (r *PostgresLedger) Debit(ctx context.Context, accountID string, amount int64, idempotencyKey string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return 0, errors.New("debit idempotency key is required")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	reserved, err := tx.Exec(ctx, `
		INSERT INTO ledger_debits (idempotency_key, account_id, amount, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, idempotencyKey, accountID, amount)
	if err != nil {
		return 0, err
	}

	if reserved.RowsAffected() == 0 {
		var (
			recordedAccount string
			recordedAmount  int64
			balanceAfter    *int64
		)
		err = tx.QueryRow(ctx, `
			SELECT account_id, amount, balance_after
			FROM ledger_debits
			WHERE idempotency_key = $1
		`, idempotencyKey).Scan(&recordedAccount, &recordedAmount, &balanceAfter)
		if err != nil {
			return 0, err
		}
		if recordedAccount != accountID || recordedAmount != amount || balanceAfter == nil {
			return 0, ErrIdempotencyConflict
		}
		return *balanceAfter, nil
	}

	var balance int64
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err = tx.QueryRow(ctx, "SELECT balance FROM ledger_accounts WHERE account_id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	if balance < amount {
		return 0, ErrInsufficientFunds
	}

	var balanceAfter int64
	err = tx.QueryRow(ctx, `
		UPDATE ledger_accounts
		SET balance = balance - $1, updated_at = NOW()
		WHERE account_id = $2
		RETURNING balance
	`, amount, accountID).Scan(&balanceAfter)
	if err != nil {
		return 0, err
	}

	if _, err = tx.Exec(ctx, "UPDATE ledger_debits SET balance_after = $1 WHERE idempotency_key = $2", balanceAfter, idempotencyKey); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// GetRollingUsage sums the account's completed transfers created at or after since.
func (r *PostgresLedger) GetRollingUsage(ctx context.Context, accountID string, since time.Time) (*domain.RollingUsage, error) {
	var usage domain.RollingUsage
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM pin_transfers
		WHERE account_id = $1 AND created_at >= $2
	`
	if err := r.db.QueryRow(ctx, query, accountID, since).Scan(&usage.CountToday, &usage.AmountToday); err != nil {
		return nil, err
	}
	return &usage, nil
}

// GetCredential returns the stored PIN hash material for an account.
func (r *PostgresLedger) GetCredential(ctx context.Context, accountID string) (*domain.PinCredential, error) {
	var credential domain.PinCredential
	query := `
		SELECT account_id, pin_hash, pin_salt, iterations
		FROM pin_credentials
		WHERE account_id = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&credential.AccountID,
		&credential.PinHash,
		&credential.PinSalt,
		&credential.Iterations,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPINNotSet
		}
		return nil, err
	}
	if credential.PinHash == "" {
		return nil, ErrPINNotSet
	}

	return &credential, nil
}

// CreateTransaction inserts the transfer record. A record with the same idempotency key is left untouched.
func (r *PostgresLedger) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO pin_transfers (
			id,
			account_id,
			session_id,
			idempotency_key,
			amount,
			fee,
			recipient_account,
			recipient_bank_code,
			recipient_display_name,
			narration,
			bank_reference,
			status,
			balance_after,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.AccountID,
		tx.SessionID,
		tx.IdempotencyKey,
		tx.Amount,
		tx.Fee,
		tx.RecipientAccount,
		tx.RecipientBankCode,
		tx.RecipientDisplayName,
		tx.Narration,
		tx.BankReference,
		tx.Status,
		tx.BalanceAfter,
		tx.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("pin transfer %s already recorded: %w", tx.ID, err)
	}
	return err
}

// FindTransactionByIdempotencyKey retrieves a recorded transfer by its idempotency key.
func (r *PostgresLedger) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transaction, error) {
	var tx domain.Transaction
	query := `
		SELECT id, account_id, session_id, idempotency_key, amount, fee,
			recipient_account, recipient_bank_code, recipient_display_name, narration,
			bank_reference, status, balance_after, created_at
		FROM pin_transfers
		WHERE idempotency_key = $1
	`
	err := r.db.QueryRow(ctx, query, idempotencyKey).Scan(
		&tx.ID,
		&tx.AccountID,
		&tx.SessionID,
		&tx.IdempotencyKey,
		&tx.Amount,
		&tx.Fee,
		&tx.RecipientAccount,
		&tx.RecipientBankCode,
		&tx.RecipientDisplayName,
		&tx.Narration,
		&tx.BankReference,
		&tx.Status,
		&tx.BalanceAfter,
		&tx.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}
