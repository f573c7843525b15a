package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PINLength is the number of digits in a transaction PIN.
const PINLength = 4

// SessionState is the lifecycle position of a PIN entry session.
type SessionState string

const (
	SessionStateIdle        SessionState = "idle"
	SessionStateCollecting  SessionState = "collecting"
	SessionStateReady       SessionState = "ready"
	SessionStateSubmitting  SessionState = "submitting"
	SessionStateCompleted   SessionState = "completed"
	SessionStateFailedRetry SessionState = "failed_retry"
	SessionStateLocked      SessionState = "locked"
	SessionStateCancelled   SessionState = "cancelled"
	SessionStateExpired     SessionState = "expired"
)

// PinSession is the ephemeral per-account PIN entry state. It only lives in the session store.
type PinSession struct {
	ID              uuid.UUID
	AccountID       string
	EnteredDigits   []byte
	PendingTransfer TransferRequest
	// DebitAmount is fixed when the session starts and never recomputed.
	DebitAmount int64
	State       SessionState
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// NewPinSession creates a session in COLLECTING(0).
func NewPinSession(accountID string, req TransferRequest, now time.Time, ttl time.Duration) PinSession {
	return PinSession{
		ID:              uuid.New(),
		AccountID:       accountID,
		EnteredDigits:   make([]byte, 0, PINLength),
		PendingTransfer: req,
		DebitAmount:     req.DebitAmount(),
		State:           SessionStateCollecting,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

// DigitsEntered returns how many digits have been collected.
func (s PinSession) DigitsEntered() int {
	return len(s.EnteredDigits)
}

// IsExpired reports whether the session is past its expiry window.
func (s PinSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a copy that does not share the digit buffer.
func (s PinSession) Clone() PinSession {
	c := s
	c.EnteredDigits = append(make([]byte, 0, PINLength), s.EnteredDigits...)
	return c
}

// MaskedPIN renders the progress display shown on the keypad, e.g. "● ● _ _".
func MaskedPIN(entered int) string {
	if entered < 0 {
		entered = 0
	}
	if entered > PINLength {
		entered = PINLength
	}
	parts := make([]string, 0, PINLength)
	for i := 0; i < PINLength; i++ {
		if i < entered {
			parts = append(parts, "●")
		} else {
			parts = append(parts, "_")
		}
	}
	return strings.Join(parts, " ")
}
