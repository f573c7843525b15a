package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/transfa/transfer-authorization-service/internal/domain"
)

// MemorySessionStore keeps PIN sessions in process memory. Sessions are deliberately
// not persisted: a restart drops every half-entered PIN.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.PinSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]domain.PinSession)}
}

func (s *MemorySessionStore) Get(accountID string) (domain.PinSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[accountID]
	if !ok {
		return domain.PinSession{}, false
	}
	return session.Clone(), true
}

func (s *MemorySessionStore) Put(session domain.PinSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.AccountID] = session.Clone()
}

func (s *MemorySessionStore) PutIfAbsent(session domain.PinSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.AccountID]; exists {
		return false
	}
	s.sessions[session.AccountID] = session.Clone()
	return true
}

func (s *MemorySessionStore) Delete(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accountID)
}

func (s *MemorySessionStore) CompareAndDelete(accountID string, sessionID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[accountID]
	if !ok || current.ID != sessionID {
		return false
	}
	delete(s.sessions, accountID)
	return true
}

func (s *MemorySessionStore) Snapshot() []domain.PinSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PinSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out
}

// KeyedMutex serializes work per key. Entries are reference counted and removed
// once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key and returns the function that releases it.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys currently have a lock entry.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
