/**
 * @description
 * This file contains the HTTP handlers for the transfer-authorization-service.
 * A presentation adapter posts one keypad event at a time and renders the outcome
 * it gets back. Gate failures (insufficient funds, wrong PIN, lock) are ordinary
 * outcomes and are answered with 200; only misuse and infrastructure failures map
 * to error statuses.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/transfer-authorization-service/internal/app"
	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
)

// maxEventBodyBytes bounds a single keypad event payload.
const maxEventBodyBytes = 16 << 10

// EventService is the part of app.Service the handlers drive.
type EventService interface {
	HandleEvent(ctx context.Context, accountID string, event domain.PinEvent) (*domain.Outcome, error)
}

// PinSessionHandlers holds the application service that handlers will use.
type PinSessionHandlers struct {
	service EventService
}

// NewPinSessionHandlers creates a new instance of PinSessionHandlers.
func NewPinSessionHandlers(service EventService) *PinSessionHandlers {
	return &PinSessionHandlers{service: service}
}

// PinEventHandler handles POST /pin-sessions/{accountID}/events.
func (h *PinSessionHandlers) PinEventHandler(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	caller, ok := GetCaller(r.Context())
	if !ok {
		http.Error(w, "Could not get caller from context", http.StatusInternalServerError)
		return
	}
	if accountID == "" || !caller.CanActFor(accountID) {
		log.Printf("level=warn component=api endpoint=pin_event outcome=reject reason=forbidden subject=%s account_id=%s", caller.Subject, accountID)
		h.writeError(w, http.StatusForbidden, "Not allowed to act for this account")
		return
	}

	var payload domain.PinEventPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=pin_event outcome=reject reason=invalid_json account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	event, err := payload.ToPinEvent()
	if err != nil {
		log.Printf("level=warn component=api endpoint=pin_event outcome=reject reason=invalid_amount account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.service.HandleEvent(r.Context(), accountID, event)
	status := statusForEvent(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=pin_event outcome=failed account_id=%s type=%s err=%v", accountID, event.Type, err)
	} else if err != nil {
		log.Printf("level=info component=api endpoint=pin_event outcome=%s account_id=%s type=%s", outcomeKind(outcome), accountID, event.Type)
	}
	if outcome == nil {
		h.writeError(w, status, "Internal server error")
		return
	}
	h.writeJSON(w, status, outcome)
}

// statusForEvent maps HandleEvent errors to HTTP statuses. Gate results are outcomes, not errors.
func statusForEvent(err error) int {
	var paymentErr *app.PaymentError
	switch {
	case err == nil,
		errors.Is(err, app.ErrInsufficientBalance),
		errors.Is(err, app.ErrLimitExceeded),
		errors.Is(err, app.ErrInvalidPIN),
		errors.Is(err, app.ErrLocked),
		errors.As(err, &paymentErr):
		return http.StatusOK
	case errors.Is(err, app.ErrInvalidEvent), errors.Is(err, app.ErrInvalidDigit):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, app.ErrSessionAlreadyActive), errors.Is(err, app.ErrSessionFull), errors.Is(err, app.ErrSessionIncomplete):
		return http.StatusConflict
	case errors.Is(err, app.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrPINNotSet):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func outcomeKind(outcome *domain.Outcome) domain.OutcomeKind {
	if outcome == nil {
		return ""
	}
	return outcome.Kind
}

// writeJSON is a helper for writing JSON responses.
func (h *PinSessionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PinSessionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
