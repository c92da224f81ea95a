package auth

import (
	"os"
	"time"
)

// EnvironmentStore implements SessionStore reading from environment
// variables. Read-only; used as the last-resort fallback.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based session store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(session *Session) error {
	return ErrStoreUnavailable
}

// Retrieve gets a session from environment variables. An empty account
// id matches whatever TGCOLLECT_ACCOUNT_ID names.
func (e *EnvironmentStore) Retrieve(accountID string) (*Session, error) {
	envAccount := os.Getenv("TGCOLLECT_ACCOUNT_ID")
	credential := os.Getenv("TGCOLLECT_SESSION")

	if credential == "" || envAccount == "" {
		return nil, ErrSessionNotFound
	}
	if accountID != "" && accountID != envAccount {
		return nil, ErrSessionNotFound
	}

	return &Session{
		AccountID:    envAccount,
		Credential:   credential,
		Label:        "environment",
		LastModified: time.Now(),
	}, nil
}

// List returns the environment session if present
func (e *EnvironmentStore) List() ([]*Session, error) {
	session, err := e.Retrieve("")
	if err != nil {
		return []*Session{}, nil
	}
	return []*Session{session}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(accountID string) error {
	return ErrStoreUnavailable
}

// Exists checks if the environment session matches the account
func (e *EnvironmentStore) Exists(accountID string) bool {
	session, err := e.Retrieve(accountID)
	return err == nil && session != nil
}
