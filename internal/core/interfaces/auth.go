package interfaces

import (
	"context"
	"time"
)

// Credentials are the tokens issued by the intranet login endpoint
type Credentials struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       int64     `json:"userId"`
	Username     string    `json:"username,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// CredentialStore persists credentials between runs
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(creds *Credentials) error
	Delete() error
}

// AuthAPI is the server contract of the login endpoints
type AuthAPI interface {
	// Login exchanges a username and password for credentials
	Login(ctx context.Context, username, password string) (*Credentials, error)

	// RefreshToken exchanges a refresh token for new credentials
	RefreshToken(ctx context.Context, refreshToken string) (*Credentials, error)

	// Logout invalidates the current token on the server
	Logout(ctx context.Context) error
}
