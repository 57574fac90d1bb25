package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type MockAuthAPI struct {
	mock.Mock
}

func (m *MockAuthAPI) Login(ctx context.Context, username, password string) (*interfaces.Credentials, error) {
	args := m.Called(ctx, username, password)
	if c := args.Get(0); c != nil {
		return c.(*interfaces.Credentials), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuthAPI) RefreshToken(ctx context.Context, refreshToken string) (*interfaces.Credentials, error) {
	args := m.Called(ctx, refreshToken)
	if c := args.Get(0); c != nil {
		return c.(*interfaces.Credentials), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuthAPI) Logout(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestKeyringStoreRoundTrip(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore("")

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, store.Save(&interfaces.Credentials{Token: "t1", RefreshToken: "r1", UserID: 7}))
	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "t1", creds.Token)
	assert.Equal(t, int64(7), creds.UserID)

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete(), "deleting twice is fine")
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	assert.Error(t, store.Save(&interfaces.Credentials{}))
}

func TestManagerLoginAndToken(t *testing.T) {
	keyring.MockInit()
	api := new(MockAuthAPI)
	m := NewManager(NewKeyringStore("test"), nil)
	m.SetAPI(api)

	_, err := m.Token()
	require.Error(t, err)
	assert.True(t, wterrors.IsAuthError(err))

	api.On("Login", mock.Anything, "anna", "secret").
		Return(&interfaces.Credentials{Token: "t1", RefreshToken: "r1", UserID: 7}, nil)

	creds, err := m.Login(context.Background(), "anna", "secret")
	require.NoError(t, err)
	assert.Equal(t, "anna", creds.Username)

	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "t1", tok.AccessToken)

	// a new manager picks the session up from the keyring
	again := NewManager(NewKeyringStore("test"), nil)
	assert.True(t, again.LoggedIn())
	api.AssertExpectations(t)
}

func TestManagerRefreshKeepsRefreshToken(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore("test")
	require.NoError(t, store.Save(&interfaces.Credentials{Token: "old", RefreshToken: "r1", UserID: 7, Username: "anna"}))

	api := new(MockAuthAPI)
	api.On("RefreshToken", mock.Anything, "r1").Return(&interfaces.Credentials{Token: "new"}, nil)

	m := NewManager(store, nil)
	m.SetAPI(api)
	require.NoError(t, m.Refresh(context.Background()))

	creds, err := m.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "new", creds.Token)
	assert.Equal(t, "r1", creds.RefreshToken)
	assert.Equal(t, int64(7), creds.UserID)
	assert.Equal(t, "anna", creds.Username)
}

func TestManagerLogoutIsBestEffort(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore("test")
	require.NoError(t, store.Save(&interfaces.Credentials{Token: "t", UserID: 7}))

	api := new(MockAuthAPI)
	api.On("Logout", mock.Anything).Return(errors.New("offline"))

	m := NewManager(store, nil)
	m.SetAPI(api)
	require.NoError(t, m.Logout(context.Background()))
	assert.False(t, m.LoggedIn())

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	api.AssertExpectations(t)
}
