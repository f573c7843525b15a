package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
	"github.com/transfa/transfer-authorization-service/pkg/anchorclient"
	"github.com/transfa/transfer-authorization-service/pkg/rabbitmq"
)

const (
	defaultPaymentTimeout = 30 * time.Second
	ledgerWriteTimeout    = 15 * time.Second
	DefaultEventsExchange = "transfa.events"
)

// PaymentClient moves money out through the payment provider.
type PaymentClient interface {
	InitiateNIPTransfer(ctx context.Context, params anchorclient.TransferParams) (*anchorclient.TransferResponse, error)
}

// TransferExecutor calls the payment API and debits the ledger only after a confirmed transfer.
type TransferExecutor struct {
	ledger          store.Ledger
	payments        PaymentClient
	producer        rabbitmq.Publisher
	exchange        string
	sourceAccountID string
	timeout         time.Duration
	now             func() time.Time
}

func NewTransferExecutor(ledger store.Ledger, payments PaymentClient, producer rabbitmq.Publisher) *TransferExecutor {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &TransferExecutor{
		ledger:   ledger,
		payments: payments,
		producer: producer,
		exchange: DefaultEventsExchange,
		timeout:  defaultPaymentTimeout,
		now:      time.Now,
	}
}

// IdempotencyKey derives a stable key from the session and its transfer request.
// Reattached sessions keep their ID, so a retry after an ambiguous failure reuses the key.
func IdempotencyKey(session domain.PinSession) string {
	req := session.PendingTransfer
	h := sha256.New()
	for _, part := range []string{
		session.ID.String(),
		session.AccountID,
		strconv.FormatInt(req.Amount, 10),
		strconv.FormatInt(req.Fee, 10),
		req.RecipientAccount,
		req.RecipientBankCode,
		req.Narration,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Execute performs the transfer for a session whose PIN has been verified.
// Any error other than *PaymentError means the payment API was not called.
func (e *TransferExecutor) Execute(ctx context.Context, session domain.PinSession) (*domain.Receipt, error) {
	key := IdempotencyKey(session)
	req := session.PendingTransfer

	existing, err := e.ledger.FindTransactionByIdempotencyKey(ctx, key)
	if err == nil {
		log.Printf("level=info component=executor msg=\"transfer already recorded; returning receipt\" account_id=%s transaction_id=%s", session.AccountID, existing.ID)
		return domain.ReceiptFromTransaction(existing), nil
	}
	if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("lookup transfer by idempotency key: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	resp, err := e.payments.InitiateNIPTransfer(callCtx, anchorclient.TransferParams{
		SourceAccountID: e.sourceAccountID,
		AccountNumber:   req.RecipientAccount,
		BankCode:        req.RecipientBankCode,
		AccountName:     req.RecipientDisplayName,
		Amount:          req.Amount,
		Reason:          req.Narration,
		Reference:       key,
	})
	cancel()
	if err != nil {
		retryable := anchorclient.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		log.Printf("level=warn component=executor msg=\"payment api call failed; ledger untouched\" account_id=%s session_id=%s retryable=%t err=%v", session.AccountID, session.ID, retryable, err)
		return nil, &PaymentError{Retryable: retryable, Err: err}
	}

	bankReference := resp.Data.Attributes.Reference
	if bankReference == "" {
		bankReference = resp.Data.ID
	}

	// The money has left; the ledger write must not be abandoned because the caller went away.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancelWrite()

	tx := &domain.Transaction{
		ID:                   uuid.New(),
		AccountID:            session.AccountID,
		SessionID:            session.ID,
		IdempotencyKey:       key,
		Amount:               req.Amount,
		Fee:                  req.Fee,
		RecipientAccount:     req.RecipientAccount,
		RecipientBankCode:    req.RecipientBankCode,
		RecipientDisplayName: req.RecipientDisplayName,
		Narration:            req.Narration,
		BankReference:        bankReference,
		Status:               domain.TransactionStatusCompleted,
		CreatedAt:            e.now().UTC(),
	}

	balanceAfter, debitErr := e.ledger.Debit(writeCtx, session.AccountID, session.DebitAmount, key)
	if debitErr != nil {
		tx.Status = domain.TransactionStatusReconcileDebit
		log.Printf("level=error component=executor msg=\"CRITICAL payment succeeded but ledger debit failed\" account_id=%s transfer_id=%s debit_amount=%d err=%v", session.AccountID, resp.Data.ID, session.DebitAmount, debitErr)
		reconcile := domain.TransferReconcileEvent{
			AccountID:      session.AccountID,
			IdempotencyKey: key,
			DebitAmount:    session.DebitAmount,
			Reference:      bankReference,
			Reason:         debitErr.Error(),
			OccurredAt:     e.now().UTC(),
		}
		if err := e.producer.Publish(writeCtx, e.exchange, rabbitmq.RoutingKeyReconcileRequired, reconcile); err != nil {
			log.Printf("level=error component=executor msg=\"CRITICAL reconcile event publish failed\" account_id=%s transfer_id=%s err=%v", session.AccountID, resp.Data.ID, err)
		}
	} else {
		tx.BalanceAfter = &balanceAfter
	}

	if err := e.ledger.CreateTransaction(writeCtx, tx); err != nil {
		log.Printf("level=error component=executor msg=\"transfer record write failed\" account_id=%s transaction_id=%s err=%v", session.AccountID, tx.ID, err)
	}

	completed := domain.TransferCompletedEvent{
		TransactionID: tx.ID.String(),
		AccountID:     tx.AccountID,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		Reference:     tx.BankReference,
		Status:        tx.Status,
		OccurredAt:    tx.CreatedAt,
	}
	if err := e.producer.Publish(writeCtx, e.exchange, rabbitmq.RoutingKeyTransferCompleted, completed); err != nil {
		log.Printf("level=warn component=executor msg=\"transfer completed event publish failed\" transaction_id=%s err=%v", tx.ID, err)
	}

	log.Printf("level=info component=executor msg=\"transfer completed\" account_id=%s transaction_id=%s amount=%d fee=%d status=%s", tx.AccountID, tx.ID, tx.Amount, tx.Fee, tx.Status)
	return domain.ReceiptFromTransaction(tx), nil
}
