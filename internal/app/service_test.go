package app

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/pkg/accountclient"
	"github.com/transfa/transfer-authorization-service/pkg/rabbitmq"
)

func TestSubmitDebitsAmountPlusFeeAfterPayment(t *testing.T) {
	h := newTestHarness(t)

	started := h.start(t, transfer5000())
	if started.Kind != domain.OutcomeStarted || started.Display != "_ _ _ _" {
		t.Fatalf("unexpected start outcome: %+v", started)
	}
	h.enter(t, testPIN)

	outcome, err := h.submit()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", outcome.Kind)
	}
	if got := h.ledger.balance(testAccountID); got != 498000 {
		t.Fatalf("expected balance 498000 kobo after debit, got %d", got)
	}
	receipt := outcome.Receipt
	if receipt == nil || receipt.Total != 502000 || receipt.BalanceAfter == nil || *receipt.BalanceAfter != 498000 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.Reference != "NIP-0001" {
		t.Fatalf("expected bank reference NIP-0001, got %q", receipt.Reference)
	}
	if h.anchor.transferCalls() != 1 {
		t.Fatalf("expected exactly one payment call, got %d", h.anchor.transferCalls())
	}
	if len(h.publisher.byRoutingKey(rabbitmq.RoutingKeyTransferCompleted)) != 1 {
		t.Fatal("expected one transfer completed event")
	}
	if _, ok := h.service.Sessions().Active(testAccountID); ok {
		t.Fatal("expected no live session after completion")
	}
}

type fundingStub struct {
	account *accountclient.FundingAccount
}

func (f fundingStub) GetFundingAccount(ctx context.Context, accountID string) (*accountclient.FundingAccount, error) {
	return f.account, nil
}

func TestSubmitInsufficientBalanceReportsShortfall(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.balances[testAccountID] = 300000 // ₦3,000
	h.service.SetFundingAccountResolver(fundingStub{account: &accountclient.FundingAccount{AccountNumber: "9900112233", BankName: "Transfa MFB"}})

	h.start(t, transfer5000())
	h.enter(t, testPIN)

	outcome, err := h.submit()
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if outcome.Kind != domain.OutcomeInsufficientFunds {
		t.Fatalf("expected insufficient_funds outcome, got %s", outcome.Kind)
	}
	if outcome.Balance.Shortfall != 202000 || outcome.Balance.Required != 502000 {
		t.Fatalf("unexpected balance check: %+v", outcome.Balance)
	}
	if outcome.Funding == nil || outcome.Funding.AccountNumber != "9900112233" {
		t.Fatalf("expected funding instructions, got %+v", outcome.Funding)
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatalf("payment api must not be called, got %d calls", h.anchor.transferCalls())
	}
	if debits, failures := h.ledger.counts(); debits != 0 || failures != 0 {
		t.Fatalf("expected no debit and no pin failure, got debits=%d failures=%d", debits, failures)
	}
}

func TestThreeWrongPINsLockTheAccount(t *testing.T) {
	h := newTestHarness(t)
	h.start(t, transfer5000())

	for attempt := 1; attempt <= 2; attempt++ {
		h.enter(t, "0000")
		outcome, err := h.submit()
		if !errors.Is(err, ErrInvalidPIN) {
			t.Fatalf("attempt %d: expected ErrInvalidPIN, got %v", attempt, err)
		}
		if outcome.Kind != domain.OutcomeWrongPIN || outcome.AttemptsRemaining != 3-attempt {
			t.Fatalf("attempt %d: unexpected outcome %+v", attempt, outcome)
		}
		if outcome.DigitsEntered != 0 || outcome.State != domain.SessionStateCollecting {
			t.Fatalf("attempt %d: expected session back in collecting(0), got %+v", attempt, outcome)
		}
	}

	h.enter(t, "0000")
	outcome, err := h.submit()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on third failure, got %v", err)
	}
	if outcome.Kind != domain.OutcomeLocked || outcome.MinutesRemaining != 15 {
		t.Fatalf("expected lock of 15 minutes, got %+v", outcome)
	}
	if len(h.publisher.byRoutingKey(rabbitmq.RoutingKeyAccountLocked)) != 1 {
		t.Fatal("expected account locked event")
	}

	// The correct PIN does not help while locked.
	h.clock.Advance(time.Minute)
	h.start(t, transfer5000())
	h.enter(t, testPIN)
	outcome, err = h.submit()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked with correct pin, got %v", err)
	}
	if outcome.MinutesRemaining != 14 {
		t.Fatalf("expected 14 minutes remaining, got %d", outcome.MinutesRemaining)
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatalf("payment api must not be called while locked, got %d", h.anchor.transferCalls())
	}

	h.clock.Advance(14*time.Minute + time.Second)
	h.start(t, transfer5000())
	h.enter(t, testPIN)
	if outcome, err = h.submit(); err != nil || outcome.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success after lock expiry, got %v (%+v)", err, outcome)
	}
}

func TestConcurrentSubmitsDebitOnce(t *testing.T) {
	h := newTestHarness(t)
	h.anchor.delay = 50 * time.Millisecond
	h.start(t, transfer5000())
	h.enter(t, testPIN)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	outcomes := make([]*domain.Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = h.submit()
		}(i)
	}
	wg.Wait()

	successes, noSession := 0, 0
	for i := range errs {
		switch {
		case errs[i] == nil && outcomes[i].Kind == domain.OutcomeSuccess:
			successes++
		case errors.Is(errs[i], ErrNoActiveSession):
			noSession++
		default:
			t.Fatalf("unexpected result %d: %v (%+v)", i, errs[i], outcomes[i])
		}
	}
	if successes != 1 || noSession != 1 {
		t.Fatalf("expected one success and one no-active-session, got %d and %d", successes, noSession)
	}
	if debits, _ := h.ledger.counts(); debits != 1 {
		t.Fatalf("expected exactly one debit, got %d", debits)
	}
	if h.anchor.transferCalls() != 1 {
		t.Fatalf("expected exactly one payment call, got %d", h.anchor.transferCalls())
	}
}

func TestStartWhileSubmittingIsRejected(t *testing.T) {
	h := newTestHarness(t)
	h.anchor.delay = 100 * time.Millisecond
	h.start(t, transfer5000())
	h.enter(t, testPIN)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.submit()
	}()

	deadline := time.Now().Add(time.Second)
	for h.anchor.transferCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventStart, Transfer: transfer5000()})
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive while submitting, got %v", err)
	}
	<-done
}

func TestCancelDoesNotTouchLockout(t *testing.T) {
	h := newTestHarness(t)
	h.start(t, transfer5000())
	h.enter(t, "9999")
	if _, err := h.submit(); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("expected ErrInvalidPIN, got %v", err)
	}
	_, failuresBefore := h.ledger.counts()
	before, _ := h.ledger.GetLockout(context.Background(), testAccountID)

	h.enter(t, "12")
	outcome, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventCancel})
	if err != nil || outcome.Kind != domain.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %v (%+v)", err, outcome)
	}

	after, _ := h.ledger.GetLockout(context.Background(), testAccountID)
	_, failuresAfter := h.ledger.counts()
	if failuresAfter != failuresBefore || after.FailedCount != before.FailedCount {
		t.Fatalf("cancel changed lockout state: before=%+v after=%+v", before, after)
	}
	if _, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventDigit, Digit: "1"}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after cancel, got %v", err)
	}
}

func TestLimitsAreCheckedBeforePIN(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.balances[testAccountID] = 100000000
	h.service.ConfigureLimits(domain.TransactionLimitPolicy{MaxSingleAmount: 50000000, MaxDailyCount: 1}, time.UTC)

	big := transfer5000()
	big.Amount = 60000000 // ₦600,000
	h.start(t, big)
	h.enter(t, "0000")
	outcome, err := h.submit()
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if outcome.LimitType != domain.LimitTypeSingleTransaction {
		t.Fatalf("expected single transaction limit, got %q", outcome.LimitType)
	}
	if _, failures := h.ledger.counts(); failures != 0 {
		t.Fatalf("limit rejection must not count a pin failure, got %d", failures)
	}

	h.start(t, transfer5000())
	h.enter(t, testPIN)
	if _, err := h.submit(); err != nil {
		t.Fatalf("expected first transfer of the day to succeed, got %v", err)
	}

	h.start(t, transfer5000())
	h.enter(t, testPIN)
	outcome, err = h.submit()
	if !errors.Is(err, ErrLimitExceeded) || outcome.LimitType != domain.LimitTypeDailyCount {
		t.Fatalf("expected daily count limit, got %v (%+v)", err, outcome)
	}
}

func TestRetryablePaymentFailureKeepsSessionAndReusesKey(t *testing.T) {
	h := newTestHarness(t)
	h.anchor.respond(http.StatusBadGateway, `{"errors":[{"title":"Bad Gateway","detail":"switch down","status":"502"}]}`)

	started := h.start(t, transfer5000())
	h.enter(t, testPIN)
	outcome, err := h.submit()

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) || !paymentErr.Retryable {
		t.Fatalf("expected retryable PaymentError, got %v", err)
	}
	if outcome.Kind != domain.OutcomePaymentFailed || !outcome.Retryable || outcome.State != domain.SessionStateCollecting {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if debits, failures := h.ledger.counts(); debits != 0 || failures != 0 {
		t.Fatalf("expected no debit and no pin failure, got debits=%d failures=%d", debits, failures)
	}
	if h.ledger.balance(testAccountID) != 1000000 {
		t.Fatalf("balance changed after failed payment: %d", h.ledger.balance(testAccountID))
	}

	session, ok := h.service.Sessions().Active(testAccountID)
	if !ok || session.ID.String() != started.SessionID || session.DigitsEntered() != 0 {
		t.Fatalf("expected original session back in collecting(0), got %+v (ok=%t)", session, ok)
	}

	h.anchor.respond(http.StatusCreated, `{"data":{"id":"tr-2","attributes":{"status":"PENDING","reference":"NIP-0002"}}}`)
	h.enter(t, testPIN)
	if outcome, err = h.submit(); err != nil || outcome.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success on retry, got %v (%+v)", err, outcome)
	}
	keys := h.anchor.idempotencyKeys()
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("expected the retry to reuse the idempotency key, got %v", keys)
	}
}

func TestNonRetryablePaymentFailureEndsSession(t *testing.T) {
	h := newTestHarness(t)
	h.anchor.respond(http.StatusBadRequest, `{"errors":[{"title":"Invalid","detail":"account closed","status":"400"}]}`)

	h.start(t, transfer5000())
	h.enter(t, testPIN)
	outcome, err := h.submit()

	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Retryable {
		t.Fatalf("expected non-retryable PaymentError, got %v", err)
	}
	if outcome.Retryable {
		t.Fatal("expected non-retryable outcome")
	}
	if _, ok := h.service.Sessions().Active(testAccountID); ok {
		t.Fatal("expected session to be closed")
	}
	if debits, _ := h.ledger.counts(); debits != 0 {
		t.Fatalf("expected no debit, got %d", debits)
	}
}

func TestIncompleteSubmitNeverCallsPaymentAPI(t *testing.T) {
	h := newTestHarness(t)
	h.start(t, transfer5000())
	h.enter(t, "123")

	outcome, err := h.submit()
	if !errors.Is(err, ErrSessionIncomplete) {
		t.Fatalf("expected ErrSessionIncomplete, got %v", err)
	}
	if outcome.DigitsEntered != 3 || outcome.CanSubmit {
		t.Fatalf("expected progress to be preserved, got %+v", outcome)
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatalf("payment api must not be called, got %d", h.anchor.transferCalls())
	}
}

func TestDebitFailureAfterPaymentIsFlaggedForReconciliation(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.debitErr = errors.New("connection reset")

	h.start(t, transfer5000())
	h.enter(t, testPIN)
	outcome, err := h.submit()
	if err != nil || outcome.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success once money has moved, got %v (%+v)", err, outcome)
	}
	if outcome.Receipt.BalanceAfter != nil {
		t.Fatalf("expected no balance on receipt, got %d", *outcome.Receipt.BalanceAfter)
	}
	if len(h.publisher.byRoutingKey(rabbitmq.RoutingKeyReconcileRequired)) != 1 {
		t.Fatal("expected reconcile event")
	}
	completed := h.publisher.byRoutingKey(rabbitmq.RoutingKeyTransferCompleted)
	if len(completed) != 1 || completed[0].body.(domain.TransferCompletedEvent).Status != domain.TransactionStatusReconcileDebit {
		t.Fatalf("expected completed event with reconcile status, got %+v", completed)
	}
}

func TestExecuteReturnsRecordedReceiptWithoutCallingAPI(t *testing.T) {
	h := newTestHarness(t)
	session := domain.NewPinSession(testAccountID, *transfer5000(), h.clock.Now(), 5*time.Minute)

	first, err := h.service.executor.Execute(context.Background(), session)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := h.service.executor.Execute(context.Background(), session)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		t.Fatalf("expected the same transaction, got %s and %s", first.TransactionID, second.TransactionID)
	}
	if h.anchor.transferCalls() != 1 {
		t.Fatalf("expected one payment call, got %d", h.anchor.transferCalls())
	}
	if h.ledger.balance(testAccountID) != 498000 {
		t.Fatalf("expected a single debit, balance=%d", h.ledger.balance(testAccountID))
	}
}

func TestExpiredSessionRejectsLateEvents(t *testing.T) {
	h := newTestHarness(t)
	h.start(t, transfer5000())
	h.enter(t, "12")

	h.clock.Advance(5*time.Minute + time.Second)

	for _, event := range []domain.PinEvent{
		{Type: domain.PinEventDigit, Digit: "3"},
		{Type: domain.PinEventClear},
		{Type: domain.PinEventSubmit},
		{Type: domain.PinEventCancel},
	} {
		outcome, err := h.service.HandleEvent(context.Background(), testAccountID, event)
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("%s: expected ErrSessionExpired, got %v", event.Type, err)
		}
		if outcome.Kind != domain.OutcomeExpired {
			t.Fatalf("%s: expected expired outcome, got %s", event.Type, outcome.Kind)
		}
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatal("payment api must not be called for an expired session")
	}

	if started := h.start(t, transfer5000()); started.DigitsEntered != 0 {
		t.Fatalf("expected fresh session, got %+v", started)
	}
}

type limiterStub struct {
	counts map[string]int
	err    error
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	key := scope + ":" + subject
	l.counts[key]++
	return l.counts[key], 30, l.err
}

func TestEventRateLimit(t *testing.T) {
	h := newTestHarness(t)
	limiter := &limiterStub{}
	h.service.SetEventRateLimiter(limiter, 2)

	h.start(t, transfer5000())
	if _, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventDigit, Digit: "1"}); err != nil {
		t.Fatalf("second event should pass, got %v", err)
	}
	outcome, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventDigit, Digit: "2"})
	if !errors.Is(err, ErrRateLimited) || outcome.Code != "rate_limited" {
		t.Fatalf("expected rate limited rejection, got %v (%+v)", err, outcome)
	}

	limiter.err = errors.New("redis down")
	if _, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventDigit, Digit: "2"}); err != nil {
		t.Fatalf("limiter failure should fail open, got %v", err)
	}
}

func TestSubmitHasItsOwnRateLimit(t *testing.T) {
	h := newTestHarness(t)
	limiter := &limiterStub{}
	h.service.SetEventRateLimiter(limiter, 100)
	h.service.SetSubmitRateLimit(1)

	h.start(t, transfer5000())
	h.enter(t, "12")
	if _, err := h.submit(); !errors.Is(err, ErrSessionIncomplete) {
		t.Fatalf("expected incomplete submit, got %v", err)
	}

	h.enter(t, "34")
	outcome, err := h.submit()
	if !errors.Is(err, ErrRateLimited) || outcome.Code != "rate_limited" {
		t.Fatalf("expected submit budget to be exhausted, got %v (%+v)", err, outcome)
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatalf("payment api must not be called, got %d calls", h.anchor.transferCalls())
	}
	if limiter.counts["pin_submit:"+testAccountID] != 2 || limiter.counts["pin_event:"+testAccountID] != 7 {
		t.Fatalf("unexpected limiter counts %v", limiter.counts)
	}
}

func TestStartRejectsInvalidTransfer(t *testing.T) {
	h := newTestHarness(t)
	bad := transfer5000()
	bad.RecipientAccount = ""

	outcome, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventStart, Transfer: bad})
	if !errors.Is(err, ErrInvalidEvent) || !errors.Is(err, domain.ErrInvalidRecipient) {
		t.Fatalf("expected invalid recipient, got %v", err)
	}
	if outcome.Kind != domain.OutcomeRejected || outcome.Code != "invalid_event" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestStartRejectsTotalPastInt64(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.balances[testAccountID] = 1000
	huge := transfer5000()
	huge.Amount, huge.Fee = math.MaxInt64, 1

	outcome, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventStart, Transfer: huge})
	if !errors.Is(err, ErrInvalidEvent) || !errors.Is(err, domain.ErrTransferTotalTooLarge) {
		t.Fatalf("expected out of range total, got %v", err)
	}
	if outcome.Kind != domain.OutcomeRejected || outcome.Code != "invalid_event" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	if _, err := h.submit(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected no session after rejected start, got %v", err)
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatalf("payment api must not be called, got %d calls", h.anchor.transferCalls())
	}
	if h.ledger.balances[testAccountID] != 1000 {
		t.Fatalf("balance changed to %d", h.ledger.balances[testAccountID])
	}
}

func TestLargestTransferStillFailsBalanceGate(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.balances[testAccountID] = 1000
	huge := transfer5000()
	huge.Amount, huge.Fee = math.MaxInt64-2000, 2000

	h.start(t, huge)
	h.enter(t, testPIN)
	outcome, err := h.submit()
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if outcome.Kind != domain.OutcomeInsufficientFunds || outcome.Balance.Shortfall != math.MaxInt64-1000 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if h.anchor.transferCalls() != 0 {
		t.Fatalf("payment api must not be called, got %d calls", h.anchor.transferCalls())
	}
}
