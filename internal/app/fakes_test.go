package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
	"github.com/transfa/transfer-authorization-service/pkg/anchorclient"
)

const (
	testAccountID  = "acct-ada"
	testPIN        = "1234"
	testIterations = 1000
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryLedger mirrors the semantics of PostgresLedger in memory.
type memoryLedger struct {
	store.Ledger

	mu           sync.Mutex
	now          func() time.Time
	balances     map[string]int64
	credentials  map[string]*domain.PinCredential
	lockouts     map[string]*domain.LockoutRecord
	debits       map[string]int64
	transactions map[string]*domain.Transaction

	debitCalls        int
	failedAttemptRuns int
	debitErr          error
}

func newMemoryLedger(clock *fakeClock) *memoryLedger {
	return &memoryLedger{
		now:          clock.Now,
		balances:     make(map[string]int64),
		credentials:  make(map[string]*domain.PinCredential),
		lockouts:     make(map[string]*domain.LockoutRecord),
		debits:       make(map[string]int64),
		transactions: make(map[string]*domain.Transaction),
	}
}

func (l *memoryLedger) setPIN(accountID, pin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credentials[accountID] = &domain.PinCredential{
		AccountID:  accountID,
		PinHash:    HashPIN(pin, accountID, testIterations),
		Iterations: testIterations,
	}
}

func (l *memoryLedger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[accountID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	return balance, nil
}

func (l *memoryLedger) Debit(ctx context.Context, accountID string, amount int64, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debitCalls++
	if l.debitErr != nil {
		return 0, l.debitErr
	}
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if after, ok := l.debits[key]; ok {
		return after, nil
	}
	balance, ok := l.balances[accountID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	if balance < amount {
		return 0, store.ErrInsufficientFunds
	}
	l.balances[accountID] = balance - amount
	l.debits[key] = balance - amount
	return balance - amount, nil
}

func (l *memoryLedger) GetRollingUsage(ctx context.Context, accountID string, since time.Time) (*domain.RollingUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	usage := &domain.RollingUsage{}
	for _, tx := range l.transactions {
		if tx.AccountID == accountID && !tx.CreatedAt.Before(since) {
			usage.CountToday++
			usage.AmountToday += tx.Amount
		}
	}
	return usage, nil
}

func (l *memoryLedger) GetCredential(ctx context.Context, accountID string) (*domain.PinCredential, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	credential, ok := l.credentials[accountID]
	if !ok {
		return nil, store.ErrPINNotSet
	}
	copied := *credential
	return &copied, nil
}

func (l *memoryLedger) GetLockout(ctx context.Context, accountID string) (*domain.LockoutRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.lockouts[accountID]
	if !ok {
		return &domain.LockoutRecord{AccountID: accountID}, nil
	}
	copied := *record
	return &copied, nil
}

func (l *memoryLedger) RecordFailedAttempt(ctx context.Context, accountID string, threshold int, lockDuration time.Duration) (*domain.LockoutRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failedAttemptRuns++
	now := l.now()
	record, ok := l.lockouts[accountID]
	if !ok {
		record = &domain.LockoutRecord{AccountID: accountID}
		l.lockouts[accountID] = record
	}
	if record.FailedCount+1 >= threshold {
		until := now.Add(lockDuration)
		record.FailedCount = 0
		record.LockedUntil = &until
	} else {
		record.FailedCount++
		if record.LockedUntil != nil && !record.LockedUntil.After(now) {
			record.LockedUntil = nil
		}
	}
	copied := *record
	return &copied, nil
}

func (l *memoryLedger) ResetFailedAttempts(ctx context.Context, accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lockouts, accountID)
	return nil
}

func (l *memoryLedger) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.transactions[tx.IdempotencyKey]; exists {
		return nil
	}
	copied := *tx
	l.transactions[tx.IdempotencyKey] = &copied
	return nil
}

func (l *memoryLedger) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.transactions[key]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (l *memoryLedger) balance(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID]
}

func (l *memoryLedger) counts() (debits, failures int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debitCalls, l.failedAttemptRuns
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) byRoutingKey(routingKey string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.routingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

// fakeAnchor is an httptest payment API that records every transfer call.
type fakeAnchor struct {
	server *httptest.Server
	calls  int32
	status atomic.Int32
	body   atomic.Value
	delay  time.Duration
	keysMu sync.Mutex
	keys   []string
}

func newFakeAnchor(t *testing.T) *fakeAnchor {
	t.Helper()
	a := &fakeAnchor{}
	a.respond(http.StatusCreated, `{"data":{"id":"tr-1","type":"NIPTransfer","attributes":{"status":"PENDING","reference":"NIP-0001"}}}`)
	a.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/counterparties":
			_, _ = w.Write([]byte(`{"data":{"id":"cp-1"}}`))
		case "/api/v1/transfers":
			atomic.AddInt32(&a.calls, 1)
			var payload anchorclient.NIPTransferRequest
			_ = json.NewDecoder(r.Body).Decode(&payload)
			a.keysMu.Lock()
			a.keys = append(a.keys, r.Header.Get("Idempotency-Key"))
			a.keysMu.Unlock()
			if a.delay > 0 {
				time.Sleep(a.delay)
			}
			w.WriteHeader(int(a.status.Load()))
			_, _ = w.Write([]byte(a.body.Load().(string)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(a.server.Close)
	return a
}

func (a *fakeAnchor) respond(status int, body string) {
	a.status.Store(int32(status))
	a.body.Store(body)
}

func (a *fakeAnchor) transferCalls() int {
	return int(atomic.LoadInt32(&a.calls))
}

func (a *fakeAnchor) idempotencyKeys() []string {
	a.keysMu.Lock()
	defer a.keysMu.Unlock()
	return append([]string(nil), a.keys...)
}

type testHarness struct {
	clock     *fakeClock
	ledger    *memoryLedger
	anchor    *fakeAnchor
	publisher *recordingPublisher
	service   *Service
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := newFakeClock()
	ledger := newMemoryLedger(clock)
	ledger.balances[testAccountID] = 1000000 // ₦10,000
	ledger.setPIN(testAccountID, testPIN)

	anchor := newFakeAnchor(t)
	publisher := &recordingPublisher{}
	payments := anchorclient.NewClient(anchor.server.URL, "test-key", 2*time.Second)

	service := NewService(ledger, store.NewMemorySessionStore(), payments, publisher)
	service.ConfigureTransfers("src-settlement", "transfa.events", 2*time.Second)
	service.now = clock.Now
	service.sessions.now = clock.Now
	service.attempts.now = clock.Now
	service.gate.now = clock.Now
	service.executor.now = clock.Now

	return &testHarness{clock: clock, ledger: ledger, anchor: anchor, publisher: publisher, service: service}
}

// transfer5000 is a ₦5,000 transfer with a ₦20 fee.
func transfer5000() *domain.TransferRequest {
	return &domain.TransferRequest{
		Amount:               500000,
		Fee:                  2000,
		RecipientAccount:     "0123456789",
		RecipientBankCode:    "058",
		RecipientDisplayName: "Tunde Bello",
		Narration:            "rent",
	}
}

func (h *testHarness) start(t *testing.T, req *domain.TransferRequest) *domain.Outcome {
	t.Helper()
	outcome, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventStart, Transfer: req})
	if err != nil {
		t.Fatalf("start: unexpected error %v", err)
	}
	return outcome
}

func (h *testHarness) enter(t *testing.T, pin string) {
	t.Helper()
	for _, d := range pin {
		if _, err := h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventDigit, Digit: string(d)}); err != nil {
			t.Fatalf("digit %q: unexpected error %v", string(d), err)
		}
	}
}

func (h *testHarness) submit() (*domain.Outcome, error) {
	return h.service.HandleEvent(context.Background(), testAccountID, domain.PinEvent{Type: domain.PinEventSubmit})
}
