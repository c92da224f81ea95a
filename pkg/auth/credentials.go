// Package auth stores the opaque session credentials identities use to
// authenticate against the platform. Credentials never touch disk in
// the clear: the manager tries the system keychain first, falls back to
// an encrypted file, and reads the environment as a last resort.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Session holds one identity's platform session credential.
type Session struct {
	AccountID    string    `json:"account_id"`
	Credential   string    `json:"credential"`
	Label        string    `json:"label,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// SessionStore is the interface for storing and retrieving sessions
type SessionStore interface {
	// Store saves a session for an account
	Store(session *Session) error

	// Retrieve gets the session for a specific account
	Retrieve(accountID string) (*Session, error)

	// List returns all stored sessions
	List() ([]*Session, error)

	// Delete removes the session for a specific account
	Delete(accountID string) error

	// Exists checks if a session exists for an account
	Exists(accountID string) bool
}

// Manager handles session storage with fallback mechanisms
type Manager struct {
	stores []SessionStore
}

// NewManager creates a session manager with the available backends.
func NewManager() (*Manager, error) {
	var stores []SessionStore

	// Try keyring first (system keychain)
	keyringStore, err := NewKeyringStore()
	if err == nil {
		stores = append(stores, keyringStore)
	}

	// Always add encrypted file store as fallback
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "sessions.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	// Add environment store as last resort
	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a manager over explicit backends. Tests
// and the backup scheduler use this.
func NewManagerWithStores(stores ...SessionStore) *Manager {
	return &Manager{stores: stores}
}

// Store saves a session using the first store that accepts it.
func (m *Manager) Store(session *Session) error {
	if session.AccountID == "" {
		return errors.New("account id is required")
	}
	if session.Credential == "" {
		return errors.New("session credential is required")
	}

	session.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		if err := store.Store(session); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store session: %w", lastErr)
	}
	return errors.New("no available session stores")
}

// Retrieve gets a session from the first store that has it.
func (m *Manager) Retrieve(accountID string) (*Session, error) {
	for _, store := range m.stores {
		if session, err := store.Retrieve(accountID); err == nil && session != nil {
			return session, nil
		}
	}
	return nil, fmt.Errorf("session not found for account: %s", accountID)
}

// List returns all stored sessions across stores, newest wins.
func (m *Manager) List() ([]*Session, error) {
	sessionMap := make(map[string]*Session)

	for _, store := range m.stores {
		sessions, err := store.List()
		if err != nil {
			continue
		}
		for _, session := range sessions {
			if existing, ok := sessionMap[session.AccountID]; !ok || session.LastModified.After(existing.LastModified) {
				sessionMap[session.AccountID] = session
			}
		}
	}

	var result []*Session
	for _, session := range sessionMap {
		result = append(result, session)
	}

	return result, nil
}

// Delete removes a session from all stores.
func (m *Manager) Delete(accountID string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(accountID); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete session: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("session not found for account: %s", accountID)
	}

	return nil
}

// DefaultStorePath returns the encrypted session store's file path.
func DefaultStorePath() (string, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "sessions.enc"), nil
}

// getConfigDir returns the configuration directory path
func getConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "tgcollect")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "tgcollect")
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "tgcollect")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "tgcollect")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// Sanitize returns a copy of the session with the credential masked,
// safe for logs and terminal output.
func Sanitize(session *Session) *Session {
	if session == nil {
		return nil
	}

	return &Session{
		AccountID:    session.AccountID,
		Credential:   maskString(session.Credential),
		Label:        session.Label,
		LastModified: session.LastModified,
	}
}

// maskString masks all but the first 4 and last 4 characters of a string
func maskString(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session")
	ErrStoreUnavailable = errors.New("session store unavailable")
)
