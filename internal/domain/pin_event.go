package domain

// PinEventType is one of the discrete events the presentation adapter sends back.
type PinEventType string

const (
	PinEventStart  PinEventType = "start"
	PinEventDigit  PinEventType = "digit"
	PinEventClear  PinEventType = "clear"
	PinEventSubmit PinEventType = "submit"
	PinEventCancel PinEventType = "cancel"
)

// PinEvent is the inbound event keyed by account. SessionID is the opaque reference
// carried by keypad buttons; an empty value means "the account's current session".
type PinEvent struct {
	Type      PinEventType     `json:"type"`
	Digit     string           `json:"digit,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Transfer  *TransferRequest `json:"transfer,omitempty"`
}

// OutcomeKind is the closed set of results HandleEvent can produce.
type OutcomeKind string

const (
	OutcomeStarted           OutcomeKind = "started"
	OutcomeProgress          OutcomeKind = "progress"
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeInsufficientFunds OutcomeKind = "insufficient_funds"
	OutcomeLimitExceeded     OutcomeKind = "limit_exceeded"
	OutcomeLocked            OutcomeKind = "locked"
	OutcomeWrongPIN          OutcomeKind = "wrong_pin"
	OutcomeExpired           OutcomeKind = "expired"
	OutcomeCancelled         OutcomeKind = "cancelled"
	OutcomePaymentFailed     OutcomeKind = "payment_failed"
	OutcomeRejected          OutcomeKind = "rejected"
)

// Outcome is the display-state descriptor returned for every handled event.
// Only the fields relevant to Kind are populated.
type Outcome struct {
	Kind      OutcomeKind  `json:"kind"`
	AccountID string       `json:"account_id"`
	SessionID string       `json:"session_id,omitempty"`
	State     SessionState `json:"state,omitempty"`

	DigitsEntered int    `json:"digits_entered"`
	PINLength     int    `json:"pin_length,omitempty"`
	CanSubmit     bool   `json:"can_submit"`
	Display       string `json:"display,omitempty"`

	Balance           *BalanceCheckResult  `json:"balance,omitempty"`
	Funding           *FundingInstructions `json:"funding,omitempty"`
	LimitType         string               `json:"limit_type,omitempty"`
	Reason            string               `json:"reason,omitempty"`
	MinutesRemaining  int                  `json:"minutes_remaining,omitempty"`
	AttemptsRemaining int                  `json:"attempts_remaining,omitempty"`
	Retryable         bool                 `json:"retryable,omitempty"`
	Receipt           *Receipt             `json:"receipt,omitempty"`

	// Code is a stable machine-readable reason for rejected events.
	Code string `json:"code,omitempty"`
}

// FundingInstructions tell the user where to send money when their balance is short.
type FundingInstructions struct {
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name,omitempty"`
}

// ProgressOutcome builds the masked progress display for a session.
func ProgressOutcome(kind OutcomeKind, s PinSession) *Outcome {
	n := s.DigitsEntered()
	return &Outcome{
		Kind:          kind,
		AccountID:     s.AccountID,
		SessionID:     s.ID.String(),
		State:         s.State,
		DigitsEntered: n,
		PINLength:     PINLength,
		CanSubmit:     n == PINLength,
		Display:       MaskedPIN(n),
	}
}

// PinEventPayload is the wire form of a PinEvent. Amounts are decimal naira strings.
type PinEventPayload struct {
	Type      PinEventType     `json:"type"`
	Digit     string           `json:"digit,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Transfer  *TransferPayload `json:"transfer,omitempty"`
}

type TransferPayload struct {
	Amount               string `json:"amount"`
	Fee                  string `json:"fee"`
	RecipientAccount     string `json:"recipient_account"`
	RecipientBankCode    string `json:"recipient_bank_code"`
	RecipientDisplayName string `json:"recipient_display_name"`
	Narration            string `json:"narration"`
}

// ToPinEvent converts naira amounts to kobo. An empty fee means no fee.
func (p PinEventPayload) ToPinEvent() (PinEvent, error) {
	event := PinEvent{Type: p.Type, Digit: p.Digit, SessionID: p.SessionID}
	if p.Transfer == nil {
		return event, nil
	}
	amount, err := ParseNaira(p.Transfer.Amount)
	if err != nil {
		return PinEvent{}, err
	}
	var fee int64
	if p.Transfer.Fee != "" {
		if fee, err = ParseNaira(p.Transfer.Fee); err != nil {
			return PinEvent{}, err
		}
	}
	event.Transfer = &TransferRequest{
		Amount:               amount,
		Fee:                  fee,
		RecipientAccount:     p.Transfer.RecipientAccount,
		RecipientBankCode:    p.Transfer.RecipientBankCode,
		RecipientDisplayName: p.Transfer.RecipientDisplayName,
		Narration:            p.Transfer.Narration,
	}
	return event, nil
}
