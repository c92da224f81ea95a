package auth

import (
	"sync"
)

// MockStore is an in-memory SessionStore for tests
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	failAll  bool
}

// NewMockStore creates a new in-memory session store
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
	}
}

// SetFailAll makes every operation fail, simulating an unavailable backend
func (m *MockStore) SetFailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

// Store saves a session in memory
func (m *MockStore) Store(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return ErrStoreUnavailable
	}
	if session == nil || session.AccountID == "" {
		return ErrInvalidSession
	}

	s := *session
	m.sessions[session.AccountID] = &s
	return nil
}

// Retrieve gets a session from memory
func (m *MockStore) Retrieve(accountID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failAll {
		return nil, ErrStoreUnavailable
	}
	session, ok := m.sessions[accountID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	s := *session
	return &s, nil
}

// List returns all stored sessions
func (m *MockStore) List() ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failAll {
		return nil, ErrStoreUnavailable
	}
	var sessions []*Session
	for _, session := range m.sessions {
		s := *session
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// Delete removes a session from memory
func (m *MockStore) Delete(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return ErrStoreUnavailable
	}
	if _, ok := m.sessions[accountID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, accountID)
	return nil
}

// Exists checks if a session exists in memory
func (m *MockStore) Exists(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failAll {
		return false
	}
	_, ok := m.sessions[accountID]
	return ok
}
