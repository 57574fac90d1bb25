// Package api implements the worktime server contract over HTTP
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every request
const DefaultTimeout = 10 * time.Second

// TokenRefresher renews the bearer token after the server rejected it
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// Options configures a Client
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	TokenSource oauth2.TokenSource
	Refresher   TokenRefresher
	Transport   http.RoundTripper
}

// Client talks to the worktime REST API
type Client struct {
	baseURL   *url.URL
	timeout   time.Duration
	http      *http.Client
	anon      *http.Client
	refresher TokenRefresher
	logger    *zap.Logger
}

var (
	_ interfaces.WorktimeAPI  = (*Client)(nil)
	_ interfaces.BranchLister = (*Client)(nil)
	_ interfaces.AuthAPI      = (*Client)(nil)
)

// NewClient creates a new API client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, wterrors.NewConfigError(fmt.Sprintf("invalid server url %q", opts.BaseURL), err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	authed := opts.Transport
	if opts.TokenSource != nil {
		authed = &oauth2.Transport{
			Source: &authErrorSource{src: opts.TokenSource},
			Base:   opts.Transport,
		}
	}

	return &Client{
		baseURL:   base,
		timeout:   opts.Timeout,
		http:      &http.Client{Transport: authed},
		anon:      &http.Client{Transport: opts.Transport},
		refresher: opts.Refresher,
		logger:    logger,
	}, nil
}

// SetRefresher installs the token refresher used after a 401
func (c *Client) SetRefresher(r TokenRefresher) {
	c.refresher = r
}

// Start creates a new active entry on the server
func (c *Client) Start(ctx context.Context, req interfaces.StartRequest) (*models.WorkTimeEntry, error) {
	body := map[string]interface{}{"branchId": req.BranchID}
	if !req.StartTime.IsZero() {
		body["startTime"] = formatWire(req.StartTime)
	}

	var payload entryPayload
	if err := c.do(ctx, c.http, http.MethodPost, "/worktime/start", nil, body, &payload); err != nil {
		return nil, err
	}
	entry, err := payload.toModel()
	if err != nil {
		return nil, malformed("start", err)
	}
	if !entry.Active() {
		return nil, malformed("start", fmt.Errorf("entry %d is already closed", entry.ID))
	}
	return entry, nil
}

// Stop closes the active entry. Without an ID the server closes whatever
// entry is active for the user.
func (c *Client) Stop(ctx context.Context, req interfaces.StopRequest) (*models.WorkTimeEntry, error) {
	path := "/worktime/stop"
	if req.ID > 0 {
		path += "/" + strconv.FormatInt(req.ID, 10)
	}
	body := map[string]interface{}{}
	if !req.EndTime.IsZero() {
		body["endTime"] = formatWire(req.EndTime)
	}

	var payload entryPayload
	if err := c.do(ctx, c.http, http.MethodPost, path, nil, body, &payload); err != nil {
		return nil, err
	}
	entry, err := payload.toModel()
	if err != nil {
		return nil, malformed("stop", err)
	}
	if entry.Active() {
		return nil, malformed("stop", fmt.Errorf("entry %d has no end time", entry.ID))
	}
	return entry, nil
}

// Active returns the server-side timer status
func (c *Client) Active(ctx context.Context) (*models.ActiveStatus, error) {
	var payload activePayload
	if err := c.do(ctx, c.http, http.MethodGet, "/worktime/active", nil, nil, &payload); err != nil {
		return nil, err
	}
	status, err := payload.toModel()
	if err != nil {
		return nil, malformed("active", err)
	}
	return status, nil
}

// Sync uploads offline entries
func (c *Client) Sync(ctx context.Context, req interfaces.SyncRequest) (*interfaces.SyncResponse, error) {
	var resp interfaces.SyncResponse
	if err := c.do(ctx, c.http, http.MethodPost, "/worktime/sync", nil, req, &resp); err != nil {
		return nil, err
	}
	for i, r := range resp.Results {
		if r.OfflineID == "" {
			return nil, malformed("sync", fmt.Errorf("result %d has no offline id", i))
		}
		if r.Success && r.ServerID <= 0 {
			return nil, malformed("sync", fmt.Errorf("result %s acknowledged without server id", r.OfflineID))
		}
	}
	return &resp, nil
}

// History lists the user's entries
func (c *Client) History(ctx context.Context, query interfaces.HistoryQuery) ([]*models.WorkTimeEntry, error) {
	q := url.Values{}
	if !query.Since.IsZero() {
		q.Set("since", formatWire(query.Since))
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}

	var payload []entryPayload
	if err := c.do(ctx, c.http, http.MethodGet, "/worktime", q, nil, &payload); err != nil {
		return nil, err
	}
	entries := make([]*models.WorkTimeEntry, 0, len(payload))
	for _, p := range payload {
		entry, err := p.toModel()
		if err != nil {
			return nil, malformed("history", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Branches lists the work locations
func (c *Client) Branches(ctx context.Context) ([]models.Branch, error) {
	var branches []models.Branch
	if err := c.do(ctx, c.http, http.MethodGet, "/branches", nil, nil, &branches); err != nil {
		return nil, err
	}
	for _, b := range branches {
		if b.ID <= 0 {
			return nil, malformed("branches", fmt.Errorf("branch %q has no id", b.Name))
		}
	}
	return branches, nil
}

// Login exchanges a username and password for credentials
func (c *Client) Login(ctx context.Context, username, password string) (*interfaces.Credentials, error) {
	body := map[string]string{"username": username, "password": password}
	var payload loginPayload
	if err := c.do(ctx, c.anon, http.MethodPost, "/auth/login", nil, body, &payload); err != nil {
		if wterrors.IsBusinessError(err) {
			return nil, wterrors.NewAuthError("invalid username or password", err)
		}
		return nil, err
	}
	return payload.toCredentials()
}

// RefreshToken exchanges a refresh token for new credentials
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*interfaces.Credentials, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var payload loginPayload
	if err := c.do(ctx, c.anon, http.MethodPost, "/auth/refresh-token", nil, body, &payload); err != nil {
		if wterrors.IsBusinessError(err) {
			return nil, wterrors.NewAuthError("refresh token rejected", err)
		}
		return nil, err
	}
	return payload.toCredentials()
}

// Logout invalidates the current token on the server
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, c.http, http.MethodPost, "/auth/logout", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return wterrors.NewValidationError("failed to encode request", err)
		}
	}

	status, data, err := c.send(ctx, hc, method, path, query, body)
	if err == nil && status == http.StatusUnauthorized && hc == c.http && c.refresher != nil {
		c.logger.Debug("Token rejected, refreshing", zap.String("path", path))
		if rerr := c.refresher.Refresh(ctx); rerr != nil {
			return wterrors.NewAuthError("session expired, please log in again", rerr).WithStatus(status)
		}
		status, data, err = c.send(ctx, hc, method, path, query, body)
	}
	if err != nil {
		return classifyTransport(method, path, err)
	}
	if status < 200 || status > 299 {
		return classifyStatus(method, path, status, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return malformed(path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, query url.Values, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("Request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}

	c.logger.Debug("Request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))
	return resp.StatusCode, data, nil
}

// authErrorSource marks token failures so they are not mistaken for network errors
type authErrorSource struct {
	src oauth2.TokenSource
}

func (s *authErrorSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		if _, ok := wterrors.As(err); ok {
			return nil, err
		}
		return nil, wterrors.NewAuthError("no valid credentials", err)
	}
	return tok, nil
}

func formatWire(t time.Time) string {
	return t.Round(0).UTC().Format(time.RFC3339Nano)
}
