/**
 * @description
 * This file defines the transfer-side domain models for the transfer-authorization-service:
 * the immutable transfer request captured before PIN entry, the ledger record persisted
 * after a confirmed payout, and the receipt handed back to the presentation adapter.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kobo), which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransferAmount = errors.New("transfer amount must be greater than zero")
	ErrInvalidTransferFee    = errors.New("transfer fee must not be negative")
	ErrInvalidRecipient      = errors.New("recipient account and bank code are required")
	ErrNarrationTooLong      = errors.New("narration exceeds 100 characters")
	ErrTransferTotalTooLarge = errors.New("transfer amount plus fee is out of range")
)

const maxNarrationLength = 100

// TransferRequest is captured when the transfer is proposed and is never mutated afterwards.
type TransferRequest struct {
	Amount               int64  `json:"amount"` // in kobo
	Fee                  int64  `json:"fee"`    // in kobo
	RecipientAccount     string `json:"recipient_account"`
	RecipientBankCode    string `json:"recipient_bank_code"`
	RecipientDisplayName string `json:"recipient_display_name"`
	Narration            string `json:"narration"`
}

// DebitAmount is the exact quantity removed from the sender's ledger balance.
func (r TransferRequest) DebitAmount() int64 {
	return r.Amount + r.Fee
}

// Validate checks the invariants a transfer request must satisfy before a session may start.
func (r TransferRequest) Validate() error {
	if r.Amount <= 0 {
		return ErrInvalidTransferAmount
	}
	if r.Fee < 0 {
		return ErrInvalidTransferFee
	}
	if r.Fee > math.MaxInt64-r.Amount {
		return ErrTransferTotalTooLarge
	}
	if strings.TrimSpace(r.RecipientAccount) == "" || strings.TrimSpace(r.RecipientBankCode) == "" {
		return ErrInvalidRecipient
	}
	if len([]rune(r.Narration)) > maxNarrationLength {
		return ErrNarrationTooLong
	}
	return nil
}

// Transaction is the ledger record written after the payment API confirms a transfer.
// This struct maps directly to the `pin_transfers` table in the database.
type Transaction struct {
	ID                   uuid.UUID `json:"id"`
	AccountID            string    `json:"account_id"`
	SessionID            uuid.UUID `json:"session_id"`
	IdempotencyKey       string    `json:"-"`
	Amount               int64     `json:"amount"` // in kobo
	Fee                  int64     `json:"fee"`    // in kobo
	RecipientAccount     string    `json:"recipient_account"`
	RecipientBankCode    string    `json:"recipient_bank_code"`
	RecipientDisplayName string    `json:"recipient_display_name"`
	Narration            string    `json:"narration"`
	BankReference        string    `json:"bank_reference"`
	Status               string    `json:"status"` // 'completed' or 'reconcile_debit'
	BalanceAfter         *int64    `json:"balance_after,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

const (
	TransactionStatusCompleted      = "completed"
	TransactionStatusReconcileDebit = "reconcile_debit"
)

// Receipt is the final payload sent to the presentation adapter after a successful transfer.
type Receipt struct {
	TransactionID        uuid.UUID `json:"transaction_id"`
	Reference            string    `json:"reference"`
	Amount               int64     `json:"amount"`
	Fee                  int64     `json:"fee"`
	Total                int64     `json:"total"`
	RecipientAccount     string    `json:"recipient_account"`
	RecipientBankCode    string    `json:"recipient_bank_code"`
	RecipientDisplayName string    `json:"recipient_display_name"`
	Narration            string    `json:"narration"`
	BalanceAfter         *int64    `json:"balance_after,omitempty"`
	CompletedAt          time.Time `json:"completed_at"`
}

// ReceiptFromTransaction rebuilds the receipt for a recorded transaction.
func ReceiptFromTransaction(tx *Transaction) *Receipt {
	return &Receipt{
		TransactionID:        tx.ID,
		Reference:            tx.BankReference,
		Amount:               tx.Amount,
		Fee:                  tx.Fee,
		Total:                tx.Amount + tx.Fee,
		RecipientAccount:     tx.RecipientAccount,
		RecipientBankCode:    tx.RecipientBankCode,
		RecipientDisplayName: tx.RecipientDisplayName,
		Narration:            tx.Narration,
		BalanceAfter:         tx.BalanceAfter,
		CompletedAt:          tx.CreatedAt,
	}
}
