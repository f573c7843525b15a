package domain

import "time"

// PinSessionEventMessage is consumed from the message broker: an adapter event for one account.
type PinSessionEventMessage struct {
	EventID   string          `json:"event_id"`
	AccountID string          `json:"account_id"`
	Event     PinEventPayload `json:"event"`
}

// PinSessionOutcomeMessage is published back to the adapter after an event is handled.
type PinSessionOutcomeMessage struct {
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	Outcome    *Outcome  `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransferCompletedEvent is published when a PIN-authorized transfer settles.
type TransferCompletedEvent struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	Reference     string    `json:"reference"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// TransferReconcileEvent flags a confirmed payout whose ledger debit did not land.
type TransferReconcileEvent struct {
	AccountID      string    `json:"account_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	DebitAmount    int64     `json:"debit_amount"`
	Reference      string    `json:"reference"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AccountLockedEvent is published when repeated PIN failures lock an account.
type AccountLockedEvent struct {
	AccountID   string    `json:"account_id"`
	LockedUntil time.Time `json:"locked_until"`
	OccurredAt  time.Time `json:"occurred_at"`
}
