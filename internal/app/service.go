/**
 * @description
 * This file contains the core business logic for the transfer-authorization-service. The
 * `Service` struct turns discrete keypad events into PIN session transitions and, on submit,
 * runs the authorization gates in a fixed order before moving any money:
 * lockout → balance → limits → PIN → payment API → ledger debit.
 *
 * Key features:
 * - One live session per account; concurrent submits are resolved by detaching the session.
 * - Every event yields an `Outcome` the presentation adapter can render.
 * - Payment API failures never debit the ledger and never count as PIN failures.
 * - Publishes lockout and transfer events to RabbitMQ for other services.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: Session identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/accountclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
	"github.com/transfa/transfer-authorization-service/pkg/accountclient"
	"github.com/transfa/transfer-authorization-service/pkg/rabbitmq"
)

const (
	pinEventRateLimitScope  = "pin_event"
	pinSubmitRateLimitScope = "pin_submit"
)

// FundingAccountResolver looks up where a user can send money to top up their balance.
type FundingAccountResolver interface {
	GetFundingAccount(ctx context.Context, accountID string) (*accountclient.FundingAccount, error)
}

// Service provides the PIN-gated transfer authorization flow.
type Service struct {
	sessions *SessionManager
	attempts *AttemptTracker
	gate     *Gate
	verifier *SecretVerifier
	executor *TransferExecutor

	eventProducer rabbitmq.Publisher
	exchange      string

	rateLimiter              EventRateLimiter
	rateLimitPerMinute       int
	submitRateLimitPerMinute int
	funding                  FundingAccountResolver
	now                      func() time.Time
}

// NewService creates the service with the standard security policy and no transaction limits.
func NewService(ledger store.Ledger, sessions store.SessionStore, payments PaymentClient, producer rabbitmq.Publisher) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		sessions:      NewSessionManager(sessions, defaultSessionTTL),
		attempts:      NewAttemptTracker(ledger, defaultMaxPINAttempts, defaultPINLockout),
		gate:          NewGate(ledger, domain.TransactionLimitPolicy{}, time.UTC),
		verifier:      NewSecretVerifier(ledger),
		executor:      NewTransferExecutor(ledger, payments, producer),
		eventProducer: producer,
		exchange:      DefaultEventsExchange,
		now:           time.Now,
	}
}

// ConfigureSecurity sets the lockout threshold, lockout duration and session expiry window.
func (s *Service) ConfigureSecurity(maxAttempts int, lockoutSeconds int, sessionTTLSeconds int) {
	if maxAttempts > 0 {
		s.attempts.maxAttempts = maxAttempts
	}
	if lockoutSeconds > 0 {
		s.attempts.lockDuration = time.Duration(lockoutSeconds) * time.Second
	}
	if sessionTTLSeconds > 0 {
		s.sessions.ttl = time.Duration(sessionTTLSeconds) * time.Second
	}
}

// ConfigureLimits sets the transaction limit policy and the timezone that defines "today".
func (s *Service) ConfigureLimits(policy domain.TransactionLimitPolicy, location *time.Location) {
	s.gate.policy = policy
	if location != nil {
		s.gate.location = location
	}
}

// ConfigureTransfers sets the settlement account, events exchange and payment API timeout.
func (s *Service) ConfigureTransfers(sourceAccountID, exchange string, paymentTimeout time.Duration) {
	s.executor.sourceAccountID = strings.TrimSpace(sourceAccountID)
	if strings.TrimSpace(exchange) != "" {
		s.exchange = strings.TrimSpace(exchange)
		s.executor.exchange = s.exchange
	}
	if paymentTimeout > 0 {
		s.executor.timeout = paymentTimeout
	}
}

// SetEventRateLimiter throttles inbound events per account. A nil limiter or non-positive limit disables it.
func (s *Service) SetEventRateLimiter(limiter EventRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.rateLimitPerMinute = perMinute
}

// SetSubmitRateLimit adds a separate, usually tighter, per-account budget for submits.
// Each submit reaches the ledger and possibly the payment API. Zero disables it.
func (s *Service) SetSubmitRateLimit(perMinute int) {
	s.submitRateLimitPerMinute = perMinute
}

// SetFundingAccountResolver enables funding instructions on insufficient-balance outcomes.
func (s *Service) SetFundingAccountResolver(resolver FundingAccountResolver) {
	s.funding = resolver
}

// Sessions exposes the session manager to the sweeper.
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// HandleEvent is the single entry point for keypad events. It always returns an Outcome;
// the error is non-nil whenever the event was rejected or the flow stopped at a gate.
func (s *Service) HandleEvent(ctx context.Context, accountID string, event domain.PinEvent) (*domain.Outcome, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return s.rejected(accountID, ErrInvalidEvent), ErrInvalidEvent
	}

	if err := s.consumeRateLimit(ctx, accountID, event.Type); err != nil {
		return s.rejected(accountID, err), err
	}

	switch event.Type {
	case domain.PinEventStart:
		if event.Transfer == nil {
			err := fmt.Errorf("%w: start requires a transfer", ErrInvalidEvent)
			return s.rejected(accountID, err), err
		}
		session, err := s.sessions.Start(accountID, *event.Transfer)
		if err != nil {
			if !isSessionError(err) {
				err = fmt.Errorf("%w: %w", ErrInvalidEvent, err)
			}
			return s.rejected(accountID, err), err
		}
		return domain.ProgressOutcome(domain.OutcomeStarted, session), nil

	case domain.PinEventDigit:
		session, err := s.sessions.AddDigit(accountID, event.SessionID, event.Digit)
		if err != nil {
			return s.sessionRejected(accountID, session, err), err
		}
		return domain.ProgressOutcome(domain.OutcomeProgress, session), nil

	case domain.PinEventClear:
		session, err := s.sessions.Clear(accountID, event.SessionID)
		if err != nil {
			return s.sessionRejected(accountID, session, err), err
		}
		return domain.ProgressOutcome(domain.OutcomeProgress, session), nil

	case domain.PinEventCancel:
		session, err := s.sessions.Cancel(accountID, event.SessionID)
		if err != nil {
			return s.sessionRejected(accountID, session, err), err
		}
		return &domain.Outcome{
			Kind:      domain.OutcomeCancelled,
			AccountID: accountID,
			SessionID: session.ID.String(),
			State:     domain.SessionStateCancelled,
		}, nil

	case domain.PinEventSubmit:
		return s.submit(ctx, accountID, event.SessionID)

	default:
		err := fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
		return s.rejected(accountID, err), err
	}
}

func (s *Service) submit(ctx context.Context, accountID, ref string) (*domain.Outcome, error) {
	session, err := s.sessions.Submit(accountID, ref)
	if err != nil {
		return s.sessionRejected(accountID, session, err), err
	}
	pin := session.EnteredDigits
	defer func() {
		for i := range pin {
			pin[i] = 0
		}
	}()

	// 1. Lockout
	lock, err := s.attempts.CheckLock(ctx, accountID)
	if err != nil {
		return s.infrastructureFailure(session, "check_lock", err)
	}
	if lock.Locked {
		s.sessions.Finish(accountID, session.ID)
		return s.lockedOutcome(session, lock.MinutesRemaining), ErrLocked
	}

	// 2. Balance
	balance, err := s.gate.SufficientBalance(ctx, accountID, session.PendingTransfer.Amount, session.PendingTransfer.Fee)
	if err != nil {
		return s.infrastructureFailure(session, "sufficient_balance", err)
	}
	if !balance.Sufficient {
		s.sessions.Finish(accountID, session.ID)
		log.Printf("level=info component=gate msg=\"insufficient balance\" account_id=%s required=%d shortfall=%d", accountID, balance.Required, balance.Shortfall)
		outcome := &domain.Outcome{
			Kind:      domain.OutcomeInsufficientFunds,
			AccountID: accountID,
			SessionID: session.ID.String(),
			State:     domain.SessionStateCancelled,
			Balance:   balance,
			Reason:    fmt.Sprintf("You need %s more to complete this transfer", domain.FormatNaira(balance.Shortfall)),
			Funding:   s.fundingInstructions(ctx, accountID),
		}
		return outcome, ErrInsufficientBalance
	}

	// 3. Limits
	limits, err := s.gate.WithinLimits(ctx, accountID, session.PendingTransfer.Amount)
	if err != nil {
		return s.infrastructureFailure(session, "within_limits", err)
	}
	if !limits.Valid {
		s.sessions.Finish(accountID, session.ID)
		log.Printf("level=info component=gate msg=\"transaction limit exceeded\" account_id=%s limit_type=%s", accountID, limits.LimitType)
		return &domain.Outcome{
			Kind:      domain.OutcomeLimitExceeded,
			AccountID: accountID,
			SessionID: session.ID.String(),
			State:     domain.SessionStateCancelled,
			LimitType: limits.LimitType,
			Reason:    limits.Reason,
		}, ErrLimitExceeded
	}

	// 4. PIN
	ok, err := s.verifier.Verify(ctx, accountID, pin)
	if err != nil {
		if errors.Is(err, store.ErrPINNotSet) {
			s.sessions.Finish(accountID, session.ID)
			return &domain.Outcome{
				Kind:      domain.OutcomeRejected,
				AccountID: accountID,
				SessionID: session.ID.String(),
				Code:      "pin_not_set",
				Reason:    "Set a transaction PIN before sending money",
			}, err
		}
		return s.infrastructureFailure(session, "verify_pin", err)
	}

	result, err := s.attempts.RecordResult(ctx, accountID, ok)
	if err != nil {
		if !ok {
			// An uncounted failure would let the caller bypass the lockout.
			return s.infrastructureFailure(session, "record_attempt", err)
		}
		log.Printf("level=warn component=attempt_tracker msg=\"failed to reset attempts after success\" account_id=%s err=%v", accountID, err)
	}

	if !ok {
		if result.LockedNow {
			s.sessions.Finish(accountID, session.ID)
			s.publishLocked(ctx, accountID, result.LockedUntil)
			return s.lockedOutcome(session, result.MinutesRemaining), ErrLocked
		}
		reattached, reErr := s.sessions.Reattach(session)
		outcome := domain.ProgressOutcome(domain.OutcomeWrongPIN, reattached)
		outcome.AttemptsRemaining = result.RemainingAttempts
		if reErr != nil {
			outcome.Code = errorCode(reErr)
			outcome.CanSubmit = false
			if errors.Is(reErr, ErrSessionExpired) {
				outcome.State = domain.SessionStateExpired
			}
		}
		return outcome, ErrInvalidPIN
	}

	// 5. Execute
	receipt, err := s.executor.Execute(ctx, session)
	if err != nil {
		var paymentErr *PaymentError
		if !errors.As(err, &paymentErr) {
			return s.infrastructureFailure(session, "execute", err)
		}
		outcome := &domain.Outcome{
			Kind:      domain.OutcomePaymentFailed,
			AccountID: accountID,
			SessionID: session.ID.String(),
			Retryable: paymentErr.Retryable,
			Reason:    "The transfer could not be completed. You have not been charged.",
		}
		if paymentErr.Retryable {
			reattached, reErr := s.sessions.Reattach(session)
			outcome.State = reattached.State
			outcome.PINLength = domain.PINLength
			outcome.Display = domain.MaskedPIN(0)
			if reErr != nil {
				outcome.Retryable = false
				outcome.Code = errorCode(reErr)
			}
		} else {
			s.sessions.Finish(accountID, session.ID)
			outcome.State = domain.SessionStateCancelled
		}
		return outcome, err
	}

	s.sessions.Finish(accountID, session.ID)
	return &domain.Outcome{
		Kind:      domain.OutcomeSuccess,
		AccountID: accountID,
		SessionID: session.ID.String(),
		State:     domain.SessionStateCompleted,
		Receipt:   receipt,
	}, nil
}

// infrastructureFailure reattaches the session so the user can retry once the dependency recovers.
func (s *Service) infrastructureFailure(session domain.PinSession, op string, err error) (*domain.Outcome, error) {
	log.Printf("level=error component=pin_session msg=\"submit aborted\" op=%s account_id=%s session_id=%s err=%v", op, session.AccountID, session.ID, err)
	reattached, reErr := s.sessions.Reattach(session)
	outcome := &domain.Outcome{
		Kind:      domain.OutcomeRejected,
		AccountID: session.AccountID,
		SessionID: session.ID.String(),
		State:     reattached.State,
		Code:      "internal_error",
		Retryable: reErr == nil,
	}
	return outcome, fmt.Errorf("%s: %w", op, err)
}

func (s *Service) lockedOutcome(session domain.PinSession, minutes int) *domain.Outcome {
	return &domain.Outcome{
		Kind:             domain.OutcomeLocked,
		AccountID:        session.AccountID,
		SessionID:        session.ID.String(),
		State:            domain.SessionStateLocked,
		MinutesRemaining: minutes,
		Reason:           fmt.Sprintf("Too many wrong PIN attempts. Try again in %d minutes", minutes),
	}
}

func (s *Service) sessionRejected(accountID string, session domain.PinSession, err error) *domain.Outcome {
	if errors.Is(err, ErrSessionExpired) {
		return &domain.Outcome{
			Kind:      domain.OutcomeExpired,
			AccountID: accountID,
			State:     domain.SessionStateExpired,
			Code:      errorCode(err),
		}
	}
	if session.ID != uuid.Nil {
		outcome := domain.ProgressOutcome(domain.OutcomeRejected, session)
		outcome.Code = errorCode(err)
		return outcome
	}
	return s.rejected(accountID, err)
}

func (s *Service) rejected(accountID string, err error) *domain.Outcome {
	return &domain.Outcome{
		Kind:      domain.OutcomeRejected,
		AccountID: accountID,
		Code:      errorCode(err),
		Reason:    err.Error(),
	}
}

func (s *Service) consumeRateLimit(ctx context.Context, accountID string, eventType domain.PinEventType) error {
	if err := s.consumeScope(ctx, pinEventRateLimitScope, accountID, s.rateLimitPerMinute); err != nil {
		return err
	}
	if eventType == domain.PinEventSubmit {
		return s.consumeScope(ctx, pinSubmitRateLimitScope, accountID, s.submitRateLimitPerMinute)
	}
	return nil
}

func (s *Service) consumeScope(ctx context.Context, scope, accountID string, perMinute int) error {
	if s.rateLimiter == nil || perMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, accountID, perMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=pin_session msg=\"rate limiter unavailable; allowing event\" scope=%s account_id=%s err=%v", scope, accountID, err)
		return nil
	}
	if count > perMinute {
		return fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
	}
	return nil
}

func (s *Service) fundingInstructions(ctx context.Context, accountID string) *domain.FundingInstructions {
	if s.funding == nil {
		return nil
	}
	account, err := s.funding.GetFundingAccount(ctx, accountID)
	if err != nil {
		log.Printf("level=warn component=gate msg=\"funding account lookup failed\" account_id=%s err=%v", accountID, err)
		return nil
	}
	return &domain.FundingInstructions{
		AccountNumber: account.AccountNumber,
		BankName:      account.BankName,
		AccountName:   account.AccountName,
	}
}

func (s *Service) publishLocked(ctx context.Context, accountID string, lockedUntil time.Time) {
	event := domain.AccountLockedEvent{
		AccountID:   accountID,
		LockedUntil: lockedUntil.UTC(),
		OccurredAt:  s.now().UTC(),
	}
	if err := s.eventProducer.Publish(context.WithoutCancel(ctx), s.exchange, rabbitmq.RoutingKeyAccountLocked, event); err != nil {
		log.Printf("level=warn component=pin_session msg=\"account locked event publish failed\" account_id=%s err=%v", accountID, err)
	}
}

func isSessionError(err error) bool {
	return errors.Is(err, ErrSessionAlreadyActive) || errors.Is(err, ErrNoActiveSession) || errors.Is(err, ErrSessionExpired)
}
