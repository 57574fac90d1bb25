// Package providers builds the server backend the session talks to
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/intranet/worktime/internal/api"
	"github.com/intranet/worktime/internal/api/mock"
	"github.com/intranet/worktime/internal/auth"
	"github.com/intranet/worktime/internal/config"
	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"go.uber.org/zap"
)

// BackendType selects the server implementation
type BackendType string

const (
	// HTTP talks to the configured intranet server
	HTTP BackendType = config.BackendHTTP
	// Demo serves an in-memory server on a loopback port
	Demo BackendType = config.BackendDemo
)

// Demo account of the in-memory server
const (
	DemoUsername = "demo"
	DemoPassword = "demo"
	DemoUserID   = 1
)

// Backend bundles the API client with the session credentials
type Backend struct {
	Type    BackendType
	BaseURL string
	Client  *api.Client
	Auth    *auth.Manager
	// Server is set for the demo backend
	Server *mock.Server

	close func() error
}

// Close releases the demo listener, if any
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// UserID returns the configured user id, or the one issued at login
func (b *Backend) UserID(override int64) int64 {
	if override > 0 {
		return override
	}
	if creds, err := b.Auth.Credentials(); err == nil {
		return creds.UserID
	}
	return 0
}

// Factory creates backends
type Factory struct {
	ctx    context.Context
	logger *zap.Logger
}

// NewFactory creates a new backend factory
func NewFactory(ctx context.Context, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{ctx: ctx, logger: logger}
}

// Create builds the backend named by cfg. store keeps the credentials of the
// HTTP backend; the demo backend always uses a throwaway store.
func (f *Factory) Create(cfg *config.Config, store interfaces.CredentialStore) (*Backend, error) {
	switch BackendType(cfg.Server.Backend) {
	case HTTP, "":
		return f.createHTTP(cfg.Server.BaseURL, cfg.Server.Timeout, store)
	case Demo:
		return f.createDemo(cfg.Server.Timeout)
	default:
		return nil, wterrors.NewConfigError(fmt.Sprintf("unknown backend type: %s", cfg.Server.Backend), nil)
	}
}

func (f *Factory) createHTTP(baseURL string, timeout time.Duration, store interfaces.CredentialStore) (*Backend, error) {
	if store == nil {
		return nil, wterrors.NewConfigError("no credential store", nil)
	}
	manager := auth.NewManager(store, f.logger.Named("auth"))
	client, err := api.NewClient(api.Options{
		BaseURL:     baseURL,
		Timeout:     timeout,
		TokenSource: manager,
		Refresher:   manager,
	}, f.logger.Named("api"))
	if err != nil {
		return nil, err
	}
	manager.SetAPI(client)

	return &Backend{Type: HTTP, BaseURL: baseURL, Client: client, Auth: manager}, nil
}

// createDemo starts the in-memory server on a loopback listener and logs
// in with the demo account
func (f *Factory) createDemo(timeout time.Duration) (*Backend, error) {
	server := mock.NewServer(DemoUserID, f.logger.Named("demo"))
	server.SetCredentials(DemoUsername, DemoPassword)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, wterrors.NewConfigError("failed to start demo server", err)
	}
	httpServer := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warn("Demo server stopped", zap.Error(err))
		}
	}()
	baseURL := "http://" + listener.Addr().String()

	b, err := f.createHTTP(baseURL, timeout, &auth.MemoryStore{})
	if err != nil {
		httpServer.Close()
		return nil, err
	}
	b.Type = Demo
	b.Server = server
	b.close = httpServer.Close

	if _, err := b.Auth.Login(f.ctx, DemoUsername, DemoPassword); err != nil {
		httpServer.Close()
		return nil, fmt.Errorf("failed to log in to demo server: %w", err)
	}

	f.logger.Info("Demo server started", zap.String("url", baseURL))
	return b, nil
}
