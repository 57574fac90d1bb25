// Package auth manages the intranet session credentials
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name under which credentials are stored
	KeyringService = "worktime"

	defaultKeyringUser = "session"
)

var (
	// ErrNotLoggedIn is returned when no credentials are stored
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrKeyringUnavailable is returned when the OS keyring is not available
	ErrKeyringUnavailable = errors.New("OS keyring is not available")
)

// KeyringStore persists credentials in the OS keyring
type KeyringStore struct {
	service string
	user    string
}

var _ interfaces.CredentialStore = (*KeyringStore)(nil)

// NewKeyringStore creates a store for the given keyring account. An empty
// account selects the default one.
func NewKeyringStore(account string) *KeyringStore {
	if account == "" {
		account = defaultKeyringUser
	}
	return &KeyringStore{service: KeyringService, user: account}
}

// Load reads the stored credentials
func (s *KeyringStore) Load() (*interfaces.Credentials, error) {
	raw, err := keyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}

	var creds interfaces.Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("stored credentials are unreadable: %w", err)
	}
	if creds.Token == "" {
		return nil, ErrNotLoggedIn
	}
	return &creds, nil
}

// Save stores the credentials
func (s *KeyringStore) Save(creds *interfaces.Credentials) error {
	if creds == nil || creds.Token == "" {
		return errors.New("token cannot be empty")
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := keyring.Set(s.service, s.user, string(data)); err != nil {
		return fmt.Errorf("failed to store credentials in keyring: %w", err)
	}
	return nil
}

// Delete removes the stored credentials. Deleting absent credentials is not an error.
func (s *KeyringStore) Delete() error {
	err := keyring.Delete(s.service, s.user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete credentials from keyring: %w", err)
	}
	return nil
}

// MemoryStore keeps credentials for the lifetime of the process
type MemoryStore struct {
	mu    sync.Mutex
	creds *interfaces.Credentials
}

var _ interfaces.CredentialStore = (*MemoryStore)(nil)

func (s *MemoryStore) Load() (*interfaces.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNotLoggedIn
	}
	c := *s.creds
	return &c, nil
}

func (s *MemoryStore) Save(creds *interfaces.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *creds
	s.creds = &c
	return nil
}

func (s *MemoryStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}
