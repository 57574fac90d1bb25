package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intranet/worktime/internal/api/mock"
	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.Handler, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	c, err := NewClient(opts, nil)
	require.NoError(t, err)
	return c
}

func TestClientAgainstMockServer(t *testing.T) {
	server := mock.NewServer(7, nil)
	c := newTestClient(t, server.Handler(), Options{})
	ctx := context.Background()

	status, err := c.Active(ctx)
	require.NoError(t, err)
	assert.False(t, status.Active)

	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	entry, err := c.Start(ctx, interfaces.StartRequest{BranchID: 1, StartTime: start})
	require.NoError(t, err)
	assert.Positive(t, entry.ID)
	assert.True(t, entry.StartTime.Equal(start))
	assert.True(t, entry.Active())

	status, err = c.Active(ctx)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, entry.ID, status.ID)

	_, err = c.Start(ctx, interfaces.StartRequest{BranchID: 1})
	require.Error(t, err)
	assert.True(t, wterrors.IsBusinessError(err), "second start is a business rejection: %v", err)

	stopped, err := c.Stop(ctx, interfaces.StopRequest{ID: entry.ID, EndTime: start.Add(8 * time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, stopped.EndTime)
	assert.True(t, stopped.EndTime.Equal(start.Add(8*time.Hour)))

	_, err = c.Stop(ctx, interfaces.StopRequest{})
	require.Error(t, err)
	assert.True(t, wterrors.IsBusinessError(err))
	assert.True(t, wterrors.IsNotFoundError(err))

	history, err := c.History(ctx, interfaces.HistoryQuery{Since: start.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entry.ID, history[0].ID)

	branches, err := c.Branches(ctx)
	require.NoError(t, err)
	assert.Len(t, branches, 3)
}

func TestClientSyncIsIdempotent(t *testing.T) {
	server := mock.NewServer(7, nil)
	c := newTestClient(t, server.Handler(), Options{})
	ctx := context.Background()

	end := "2025-03-10T16:00:00Z"
	req := interfaces.SyncRequest{Entries: []interfaces.SyncItem{{
		OfflineID: "a1",
		Entry:     interfaces.WireEntry{StartTime: "2025-03-10T08:00:00Z", EndTime: &end, BranchID: 1},
	}}}

	first, err := c.Sync(ctx, req)
	require.NoError(t, err)
	second, err := c.Sync(ctx, req)
	require.NoError(t, err)

	require.Len(t, first.Results, 1)
	assert.True(t, first.Results[0].Success)
	assert.Equal(t, first.Results[0].ServerID, second.Results[0].ServerID)
	assert.Len(t, server.Entries(), 1)
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		check     func(error) bool
		ambiguous bool
	}{
		{"bad request", http.StatusBadRequest, `{"message":"branch inactive"}`, wterrors.IsBusinessError, false},
		{"not found", http.StatusNotFound, `{"error":"no active entry"}`, wterrors.IsBusinessError, false},
		{"forbidden", http.StatusForbidden, `{}`, wterrors.IsAuthError, false},
		{"unavailable", http.StatusServiceUnavailable, ``, wterrors.IsNetworkError, false},
		{"too many requests", http.StatusTooManyRequests, ``, wterrors.IsNetworkError, false},
		{"internal error", http.StatusInternalServerError, ``, wterrors.IsNetworkError, true},
		{"bad gateway", http.StatusBadGateway, ``, wterrors.IsNetworkError, true},
		{"gateway timeout", http.StatusGatewayTimeout, ``, wterrors.IsNetworkError, true},
		{"malformed success", http.StatusOK, `{"active":true}`, wterrors.IsNetworkError, true},
		{"garbage success", http.StatusOK, `<html>`, wterrors.IsNetworkError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}), Options{})

			_, err := c.Active(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected class: %v", err)
			assert.Equal(t, tt.ambiguous, wterrors.IsAmbiguous(err))
		})
	}
}

func TestClientBusinessMessageIsSurfaced(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"branch inactive"}`))
	}), Options{})

	_, err := c.Start(context.Background(), interfaces.StartRequest{BranchID: 3})
	we, ok := wterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "branch inactive", we.Message)
	assert.Equal(t, http.StatusBadRequest, we.StatusCode)
}

func TestClientTimeoutIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), Options{Timeout: 50 * time.Millisecond})

	_, err := c.Start(context.Background(), interfaces.StartRequest{BranchID: 1})
	require.Error(t, err)
	assert.True(t, wterrors.IsNetworkError(err))
	assert.True(t, wterrors.IsAmbiguous(err))
}

func TestClientCancellationIsNotANetworkError(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()

	_, err := c.Start(ctx, interfaces.StartRequest{BranchID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, wterrors.IsNetworkError(err))
	assert.False(t, wterrors.IsAmbiguous(err))
}

func TestClientUnreachableIsDefinitive(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Options{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = c.Active(context.Background())
	require.Error(t, err)
	assert.True(t, wterrors.IsNetworkError(err))
	assert.False(t, wterrors.IsAmbiguous(err), "refused connection never reached the server: %v", err)
}

type staticSource struct {
	token atomic.Value
}

func (s *staticSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token.Load().(string), TokenType: "Bearer"}, nil
}

type refresher struct {
	calls  int
	source *staticSource
	client *Client
	creds  *interfaces.Credentials
}

func (r *refresher) Refresh(ctx context.Context) error {
	r.calls++
	creds, err := r.client.RefreshToken(ctx, r.creds.RefreshToken)
	if err != nil {
		return err
	}
	r.creds = creds
	r.source.token.Store(creds.Token)
	return nil
}

func TestClientRefreshesTokenOnce(t *testing.T) {
	server := mock.NewServer(7, nil)
	server.SetCredentials("anna", "secret")

	source := &staticSource{}
	source.token.Store("")
	ref := &refresher{source: source}
	c := newTestClient(t, server.Handler(), Options{TokenSource: source, Refresher: ref})
	ref.client = c
	ctx := context.Background()

	creds, err := c.Login(ctx, "anna", "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(7), creds.UserID)
	ref.creds = creds
	source.token.Store(creds.Token)

	_, err = c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ref.calls)

	server.ExpireToken()
	_, err = c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ref.calls)

	_, err = c.Login(ctx, "anna", "wrong")
	require.Error(t, err)
	assert.True(t, wterrors.IsAuthError(err))
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "intranet"}, nil)
	require.Error(t, err)
	assert.True(t, wterrors.IsConfigError(err))
}
