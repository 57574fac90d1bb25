package mock

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
)

// SetCredentials enables the login endpoints and bearer-token checks
func (s *Server) SetCredentials(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.password = password
}

// ExpireToken invalidates the issued access token, keeping the refresh token
func (s *Server) ExpireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Handler serves the server over HTTP with the REST routes of the intranet backend
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh-token", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.authed(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.token = ""
		s.refreshToken = ""
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
	}))
	mux.HandleFunc("POST /worktime/start", s.authed(s.handleStart))
	mux.HandleFunc("POST /worktime/stop", s.authed(s.handleStop))
	mux.HandleFunc("POST /worktime/stop/{id}", s.authed(s.handleStop))
	mux.HandleFunc("GET /worktime/active", s.authed(s.handleActive))
	mux.HandleFunc("POST /worktime/sync", s.authed(s.handleSync))
	mux.HandleFunc("GET /worktime", s.authed(s.handleHistory))
	mux.HandleFunc("GET /branches", s.authed(s.handleBranches))
	return mux
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		required := s.username != ""
		token := s.token
		s.mu.Unlock()

		if required {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || got != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request"})
		return
	}

	s.mu.Lock()
	ok := s.username != "" && body.Username == s.username && body.Password == s.password
	if ok {
		s.token = uuid.NewString()
		s.refreshToken = uuid.NewString()
	}
	resp := s.loginResponseLocked()
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request"})
		return
	}

	s.mu.Lock()
	ok := s.refreshToken != "" && body.RefreshToken == s.refreshToken
	if ok {
		s.token = uuid.NewString()
	}
	resp := s.loginResponseLocked()
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loginResponseLocked() map[string]interface{} {
	return map[string]interface{}{
		"token":        s.token,
		"refreshToken": s.refreshToken,
		"user":         map[string]interface{}{"id": s.userID, "username": s.username},
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BranchID  int64  `json:"branchId"`
		StartTime string `json:"startTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request"})
		return
	}
	req := interfaces.StartRequest{BranchID: body.BranchID}
	if body.StartTime != "" {
		t, err := time.Parse(time.RFC3339Nano, body.StartTime)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid startTime"})
			return
		}
		req.StartTime = t
	}

	entry, err := s.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wireEntry(entry))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req interfaces.StopRequest
	if raw := r.PathValue("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid id"})
			return
		}
		req.ID = id
	}
	var body struct {
		EndTime string `json:"endTime"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request"})
			return
		}
	}
	if body.EndTime != "" {
		t, err := time.Parse(time.RFC3339Nano, body.EndTime)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid endTime"})
			return
		}
		req.EndTime = t
	}

	entry, err := s.Stop(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wireEntry(entry))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	status, err := s.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !status.Active {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":    true,
		"id":        status.ID,
		"startTime": status.StartTime.UTC().Format(time.RFC3339Nano),
		"branchId":  status.BranchID,
		"userId":    status.UserID,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req interfaces.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request"})
		return
	}
	resp, err := s.Sync(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var query interfaces.HistoryQuery
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid since"})
			return
		}
		query.Since = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		query.Limit, _ = strconv.Atoi(raw)
	}

	entries, err := s.History(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]interfaces.WireEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wireEntry(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.Branches(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func wireEntry(e *models.WorkTimeEntry) interfaces.WireEntry {
	w := interfaces.WireEntry{
		ID:        e.ID,
		StartTime: e.StartTime.UTC().Format(time.RFC3339Nano),
		BranchID:  e.BranchID,
		UserID:    e.UserID,
	}
	if e.EndTime != nil {
		end := e.EndTime.UTC().Format(time.RFC3339Nano)
		w.EndTime = &end
	}
	return w
}

// writeError maps injected failures to the status codes the client classifies
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	if we, ok := wterrors.As(err); ok {
		msg = we.Message
	}
	switch {
	case wterrors.IsAmbiguous(err):
		status = http.StatusGatewayTimeout
	case wterrors.IsNetworkError(err):
		status = http.StatusServiceUnavailable
	default:
		if we, ok := wterrors.As(err); ok && we.StatusCode != 0 {
			status = we.StatusCode
		}
	}
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
