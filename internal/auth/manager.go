package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Manager owns the current credentials. It is the token source of the API
// client and refreshes the token when the server rejects it.
type Manager struct {
	store  interfaces.CredentialStore
	api    interfaces.AuthAPI
	logger *zap.Logger

	mu    sync.RWMutex
	creds *interfaces.Credentials

	// serializes refreshes so concurrent 401s trigger one refresh
	refreshMu sync.Mutex
}

var _ oauth2.TokenSource = (*Manager)(nil)

// NewManager creates a manager and loads stored credentials, if any
func NewManager(store interfaces.CredentialStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: store, logger: logger}
	if creds, err := store.Load(); err == nil {
		m.creds = creds
	} else if !errors.Is(err, ErrNotLoggedIn) {
		logger.Warn("Failed to load stored credentials", zap.Error(err))
	}
	return m
}

// SetAPI installs the login endpoints. The API client needs the manager as
// its token source, so the two are connected after construction.
func (m *Manager) SetAPI(api interfaces.AuthAPI) {
	m.api = api
}

// Credentials returns the current credentials or ErrNotLoggedIn
func (m *Manager) Credentials() (*interfaces.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return nil, ErrNotLoggedIn
	}
	c := *m.creds
	return &c, nil
}

// LoggedIn reports whether credentials are available
func (m *Manager) LoggedIn() bool {
	_, err := m.Credentials()
	return err == nil
}

// Token implements oauth2.TokenSource
func (m *Manager) Token() (*oauth2.Token, error) {
	creds, err := m.Credentials()
	if err != nil {
		return nil, wterrors.NewAuthError("not logged in, run 'worktime auth login'", err)
	}
	return &oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"}, nil
}

// Login authenticates against the server and stores the credentials
func (m *Manager) Login(ctx context.Context, username, password string) (*interfaces.Credentials, error) {
	if m.api == nil {
		return nil, wterrors.NewConfigError("no server configured", nil)
	}
	if username == "" || password == "" {
		return nil, wterrors.NewValidationError("username and password are required", nil)
	}

	creds, err := m.api.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if creds.Username == "" {
		creds.Username = username
	}
	if err := m.store.Save(creds); err != nil {
		return nil, wterrors.NewStorageError("failed to store credentials", err)
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	m.logger.Info("Logged in", zap.String("username", creds.Username), zap.Int64("user_id", creds.UserID))
	return creds, nil
}

// Refresh exchanges the refresh token for a new access token
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	creds, err := m.Credentials()
	if err != nil {
		return err
	}
	if creds.RefreshToken == "" || m.api == nil {
		return wterrors.NewAuthError("session expired", nil)
	}

	fresh, err := m.api.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		return err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	if fresh.UserID == 0 {
		fresh.UserID = creds.UserID
	}
	if fresh.Username == "" {
		fresh.Username = creds.Username
	}
	if err := m.store.Save(fresh); err != nil {
		m.logger.Warn("Failed to store refreshed token", zap.Error(err))
	}

	m.mu.Lock()
	m.creds = fresh
	m.mu.Unlock()

	m.logger.Debug("Token refreshed")
	return nil
}

// Logout invalidates the session on the server, best effort, and always
// forgets the local credentials
func (m *Manager) Logout(ctx context.Context) error {
	if m.api != nil && m.LoggedIn() {
		if err := m.api.Logout(ctx); err != nil {
			m.logger.Warn("Server logout failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()

	if err := m.store.Delete(); err != nil {
		return wterrors.NewStorageError("failed to remove credentials", err)
	}
	m.logger.Info("Logged out")
	return nil
}
