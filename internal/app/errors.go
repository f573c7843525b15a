package app

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveSession      = errors.New("no active pin session")
	ErrSessionAlreadyActive = errors.New("a pin session is already active for this account")
	ErrSessionExpired       = errors.New("pin session expired")
	ErrSessionFull          = errors.New("pin already has four digits")
	ErrSessionIncomplete    = errors.New("pin is incomplete")
	ErrInvalidDigit         = errors.New("digit must be a single character 0-9")
	ErrInvalidEvent         = errors.New("invalid pin event")
	ErrLocked               = errors.New("account is locked after repeated pin failures")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrLimitExceeded        = errors.New("transaction limit exceeded")
	ErrInvalidPIN           = errors.New("invalid pin")
	ErrRateLimited          = errors.New("too many pin events")
)

// PaymentError reports a failed payment API call. Retryable failures leave the
// session open for another submission; the ledger is never debited.
type PaymentError struct {
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment api error (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// errorCode maps a sentinel error to the stable code carried on rejected outcomes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrSessionAlreadyActive):
		return "session_already_active"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrSessionFull):
		return "session_full"
	case errors.Is(err, ErrSessionIncomplete):
		return "session_incomplete"
	case errors.Is(err, ErrInvalidDigit):
		return "invalid_digit"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	default:
		return "internal_error"
	}
}
