package app

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
)

const defaultSessionTTL = 5 * time.Minute

type tombstone struct {
	sessionID uuid.UUID
	until     time.Time
}

// SessionManager owns the PIN entry state machine. Every mutation for an account runs
// under that account's lock, so events for one account are totally ordered.
type SessionManager struct {
	store store.SessionStore
	locks *store.KeyedMutex
	ttl   time.Duration
	now   func() time.Time

	mu sync.Mutex
	// inflight holds sessions detached by Submit and not yet finished or reattached.
	inflight map[string]uuid.UUID
	// expired remembers lazily expired sessions so late events report expiry instead of "no session".
	expired map[string]tombstone
}

func NewSessionManager(sessions store.SessionStore, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionManager{
		store:    sessions,
		locks:    store.NewKeyedMutex(),
		ttl:      ttl,
		now:      time.Now,
		inflight: make(map[string]uuid.UUID),
		expired:  make(map[string]tombstone),
	}
}

// Start opens a session in COLLECTING(0) for the proposed transfer.
func (m *SessionManager) Start(accountID string, req domain.TransferRequest) (domain.PinSession, error) {
	if err := req.Validate(); err != nil {
		return domain.PinSession{}, err
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	now := m.now()
	m.mu.Lock()
	_, submitting := m.inflight[accountID]
	m.mu.Unlock()
	if submitting {
		return domain.PinSession{}, ErrSessionAlreadyActive
	}

	if existing, ok := m.store.Get(accountID); ok {
		if !existing.IsExpired(now) {
			return domain.PinSession{}, ErrSessionAlreadyActive
		}
		m.expireLocked(existing, now)
	}

	session := domain.NewPinSession(accountID, req, now, m.ttl)
	if !m.store.PutIfAbsent(session) {
		return domain.PinSession{}, ErrSessionAlreadyActive
	}

	m.mu.Lock()
	delete(m.expired, accountID)
	m.mu.Unlock()

	log.Printf("level=info component=pin_session msg=\"session started\" account_id=%s session_id=%s debit_amount=%d", accountID, session.ID, session.DebitAmount)
	return session, nil
}

// AddDigit appends one digit. The fourth digit moves the session to READY.
func (m *SessionManager) AddDigit(accountID, ref, digit string) (domain.PinSession, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	session, err := m.activeLocked(accountID, ref)
	if err != nil {
		return session, err
	}
	if len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
		return session, ErrInvalidDigit
	}
	if session.DigitsEntered() >= domain.PINLength {
		return session, ErrSessionFull
	}

	session.EnteredDigits = append(session.EnteredDigits, digit[0])
	if session.DigitsEntered() == domain.PINLength {
		session.State = domain.SessionStateReady
	} else {
		session.State = domain.SessionStateCollecting
	}
	m.store.Put(session)
	return session, nil
}

// Clear discards every entered digit and returns to COLLECTING(0).
func (m *SessionManager) Clear(accountID, ref string) (domain.PinSession, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	session, err := m.activeLocked(accountID, ref)
	if err != nil {
		return session, err
	}
	session.EnteredDigits = session.EnteredDigits[:0]
	session.State = domain.SessionStateCollecting
	m.store.Put(session)
	return session, nil
}

// Cancel ends the session without touching the ledger or the lockout record.
func (m *SessionManager) Cancel(accountID, ref string) (domain.PinSession, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	session, err := m.activeLocked(accountID, ref)
	if err != nil {
		return session, err
	}
	m.store.CompareAndDelete(accountID, session.ID)
	session.EnteredDigits = nil
	session.State = domain.SessionStateCancelled
	log.Printf("level=info component=pin_session msg=\"session cancelled\" account_id=%s session_id=%s", accountID, session.ID)
	return session, nil
}

// Submit detaches a READY session from the store before any blocking work, so
// exactly one concurrent submit can win. The caller must Finish or Reattach it.
func (m *SessionManager) Submit(accountID, ref string) (domain.PinSession, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	session, err := m.activeLocked(accountID, ref)
	if err != nil {
		return session, err
	}
	if session.DigitsEntered() < domain.PINLength {
		return session, ErrSessionIncomplete
	}
	if !m.store.CompareAndDelete(accountID, session.ID) {
		return domain.PinSession{}, ErrNoActiveSession
	}

	m.mu.Lock()
	m.inflight[accountID] = session.ID
	m.mu.Unlock()

	session.State = domain.SessionStateSubmitting
	return session, nil
}

// Reattach puts a detached session back as COLLECTING(0), keeping its ID and expiry.
func (m *SessionManager) Reattach(session domain.PinSession) (domain.PinSession, error) {
	unlock := m.locks.Lock(session.AccountID)
	defer unlock()

	m.clearInflight(session.AccountID, session.ID)

	session.EnteredDigits = make([]byte, 0, domain.PINLength)
	session.State = domain.SessionStateCollecting

	now := m.now()
	if session.IsExpired(now) {
		m.expireLocked(session, now)
		return session, ErrSessionExpired
	}
	if !m.store.PutIfAbsent(session) {
		return session, ErrSessionAlreadyActive
	}
	return session, nil
}

// Finish releases a detached session that reached a terminal state.
func (m *SessionManager) Finish(accountID string, sessionID uuid.UUID) {
	unlock := m.locks.Lock(accountID)
	defer unlock()
	m.clearInflight(accountID, sessionID)
}

// PurgeExpired removes sessions past their expiry and forgets old expiry markers.
func (m *SessionManager) PurgeExpired() int {
	now := m.now()
	purged := 0
	for _, candidate := range m.store.Snapshot() {
		if !candidate.IsExpired(now) {
			continue
		}
		unlock := m.locks.Lock(candidate.AccountID)
		current, ok := m.store.Get(candidate.AccountID)
		if ok && current.ID == candidate.ID && current.IsExpired(now) {
			m.expireLocked(current, now)
			purged++
		}
		unlock()
	}

	m.mu.Lock()
	for accountID, marker := range m.expired {
		if now.After(marker.until) {
			delete(m.expired, accountID)
		}
	}
	m.mu.Unlock()
	return purged
}

// Active returns the live session for an account, if any.
func (m *SessionManager) Active(accountID string) (domain.PinSession, bool) {
	unlock := m.locks.Lock(accountID)
	defer unlock()
	session, err := m.activeLocked(accountID, "")
	return session, err == nil
}

// activeLocked resolves the live session for accountID. ref, when non-empty, must name it.
// Callers hold the account lock.
func (m *SessionManager) activeLocked(accountID, ref string) (domain.PinSession, error) {
	ref = strings.TrimSpace(ref)
	now := m.now()

	session, ok := m.store.Get(accountID)
	if !ok {
		m.mu.Lock()
		marker, wasExpired := m.expired[accountID]
		m.mu.Unlock()
		if wasExpired && !now.After(marker.until) && (ref == "" || ref == marker.sessionID.String()) {
			return domain.PinSession{}, ErrSessionExpired
		}
		return domain.PinSession{}, ErrNoActiveSession
	}
	if ref != "" && ref != session.ID.String() {
		return domain.PinSession{}, ErrNoActiveSession
	}
	if session.IsExpired(now) {
		m.expireLocked(session, now)
		return domain.PinSession{}, ErrSessionExpired
	}
	return session, nil
}

func (m *SessionManager) expireLocked(session domain.PinSession, now time.Time) {
	m.store.CompareAndDelete(session.AccountID, session.ID)
	m.mu.Lock()
	m.expired[session.AccountID] = tombstone{sessionID: session.ID, until: now.Add(m.ttl)}
	m.mu.Unlock()
	log.Printf("level=info component=pin_session msg=\"session expired\" account_id=%s session_id=%s", session.AccountID, session.ID)
}

func (m *SessionManager) clearInflight(accountID string, sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.inflight[accountID]; ok && current == sessionID {
		delete(m.inflight, accountID)
	}
}
