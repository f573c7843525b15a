/**
 * @description
 * This file defines the storage contracts required by the transfer-authorization-service:
 * the `Ledger` (balances, debits, PIN credentials and lockout records, persisted) and the
 * `SessionStore` (ephemeral PIN entry sessions, process-local). Business logic depends only
 * on these interfaces so it can be tested with in-memory fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For session identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-authorization-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrPINNotSet           = errors.New("transaction pin not set")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different debit")
)

// Ledger is the authoritative store of balances and PIN security state.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	// Debit removes amount from the balance exactly once per idempotency key and
	// returns the resulting balance. Replaying a key returns the recorded balance.
	Debit(ctx context.Context, accountID string, amount int64, idempotencyKey string) (int64, error)
	GetRollingUsage(ctx context.Context, accountID string, since time.Time) (*domain.RollingUsage, error)

	GetCredential(ctx context.Context, accountID string) (*domain.PinCredential, error)
	GetLockout(ctx context.Context, accountID string) (*domain.LockoutRecord, error)
	// RecordFailedAttempt atomically increments the failure count. When the count reaches
	// threshold the account is locked for lockDuration and the count resets to zero.
	RecordFailedAttempt(ctx context.Context, accountID string, threshold int, lockDuration time.Duration) (*domain.LockoutRecord, error)
	ResetFailedAttempts(ctx context.Context, accountID string) error

	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transaction, error)
}

// SessionStore holds at most one PIN session per account. Implementations store copies;
// callers must Put a modified session back for the change to become visible.
type SessionStore interface {
	Get(accountID string) (domain.PinSession, bool)
	Put(session domain.PinSession)
	// PutIfAbsent stores the session only if the account has none and reports whether it did.
	PutIfAbsent(session domain.PinSession) bool
	Delete(accountID string)
	// CompareAndDelete removes the account's session only if its ID matches.
	CompareAndDelete(accountID string, sessionID uuid.UUID) bool
	Snapshot() []domain.PinSession
}
