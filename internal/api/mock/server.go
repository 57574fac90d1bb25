// Package mock provides an in-memory worktime server for tests and demo mode
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

// Operation names used for failure injection and call counting
const (
	OpStart    = "start"
	OpStop     = "stop"
	OpActive   = "active"
	OpSync     = "sync"
	OpHistory  = "history"
	OpBranches = "branches"
)

// Failure describes an injected failure
type Failure struct {
	Err error
	// AfterApply makes the server apply the request before failing, as a
	// timeout after the server committed would
	AfterApply bool
}

// Server implements the worktime API in memory
type Server struct {
	mu       sync.Mutex
	logger   *zap.Logger
	userID   int64
	nextID   int64
	entries  map[int64]*models.WorkTimeEntry
	synced   map[string]int64
	rejects  map[string]string
	branches []models.Branch

	failures map[string][]Failure
	gates    map[string]chan struct{}
	calls    map[string]int

	// credentials for the HTTP login endpoints
	username     string
	password     string
	token        string
	refreshToken string
}

var (
	_ interfaces.WorktimeAPI  = (*Server)(nil)
	_ interfaces.BranchLister = (*Server)(nil)
)

// NewServer creates an empty server for the given user
func NewServer(userID int64, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		userID:   userID,
		entries:  make(map[int64]*models.WorkTimeEntry),
		synced:   make(map[string]int64),
		rejects:  make(map[string]string),
		failures: make(map[string][]Failure),
		gates:    make(map[string]chan struct{}),
		calls:    make(map[string]int),
		branches: []models.Branch{
			{ID: 1, Name: "Headquarters", IsActive: true},
			{ID: 2, Name: "Warehouse", IsActive: true},
			{ID: 3, Name: "Closed Site", IsActive: false},
		},
	}
}

// ErrUnreachable returns a definitive network failure
func ErrUnreachable() error {
	return wterrors.NewNetworkError("server unreachable", nil)
}

// ErrTimeout returns an ambiguous network failure
func ErrTimeout() error {
	return wterrors.NewAmbiguousNetworkError("request timed out", context.DeadlineExceeded)
}

// FailNext queues a failure for the next call of op
func (s *Server) FailNext(op string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], f)
}

// Gate blocks calls of op until the returned function is called. The
// request is applied before blocking, so the caller sees a late response.
func (s *Server) Gate(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[op] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, op)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// RejectOffline makes sync reject the entry with the given offline ID
func (s *Server) RejectOffline(offlineID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[offlineID] = message
}

// SetBranches replaces the branch list
func (s *Server) SetBranches(branches []models.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = append([]models.Branch(nil), branches...)
}

// Calls returns how often op was invoked
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Entries returns a copy of every stored entry, oldest first
func (s *Server) Entries() []*models.WorkTimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WorkTimeEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveEntry returns the user's running entry, if any
func (s *Server) ActiveEntry() *models.WorkTimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.activeLocked(); e != nil {
		return e.Clone()
	}
	return nil
}

// StartDirect creates a running entry as another device of the same user would
func (s *Server) StartDirect(branchID int64, at time.Time) *models.WorkTimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.activeLocked(); e != nil {
		return e.Clone()
	}
	return s.createLocked(branchID, at).Clone()
}

// StopDirect closes the running entry as another device would
func (s *Server) StopDirect(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.activeLocked(); e != nil {
		end := at.Round(0)
		e.EndTime = &end
	}
}

// Start creates a new active entry
func (s *Server) Start(ctx context.Context, req interfaces.StartRequest) (*models.WorkTimeEntry, error) {
	return s.call(ctx, OpStart, func() (*models.WorkTimeEntry, error) {
		if s.activeLocked() != nil {
			return nil, wterrors.NewBusinessError("a timer is already running", nil).WithStatus(400)
		}
		if !s.branchActiveLocked(req.BranchID) {
			return nil, wterrors.NewBusinessError(fmt.Sprintf("branch %d is not available", req.BranchID), nil).WithStatus(400)
		}
		at := req.StartTime
		if at.IsZero() {
			at = time.Now()
		}
		return s.createLocked(req.BranchID, at).Clone(), nil
	})
}

// Stop closes the active entry
func (s *Server) Stop(ctx context.Context, req interfaces.StopRequest) (*models.WorkTimeEntry, error) {
	return s.call(ctx, OpStop, func() (*models.WorkTimeEntry, error) {
		var entry *models.WorkTimeEntry
		if req.ID > 0 {
			entry = s.entries[req.ID]
			if entry != nil && !entry.Active() {
				entry = nil
			}
		} else {
			entry = s.activeLocked()
		}
		if entry == nil {
			return nil, wterrors.NewBusinessError("no active worktime entry found", nil).WithStatus(404)
		}
		at := req.EndTime
		if at.IsZero() {
			at = time.Now()
		}
		if at.Before(entry.StartTime) {
			at = entry.StartTime
		}
		at = at.Round(0)
		entry.EndTime = &at
		return entry.Clone(), nil
	})
}

// Active returns the timer status of the user
func (s *Server) Active(ctx context.Context) (*models.ActiveStatus, error) {
	var status *models.ActiveStatus
	_, err := s.call(ctx, OpActive, func() (*models.WorkTimeEntry, error) {
		status = &models.ActiveStatus{Active: false}
		if e := s.activeLocked(); e != nil {
			status = &models.ActiveStatus{
				Active:    true,
				ID:        e.ID,
				StartTime: e.StartTime,
				BranchID:  e.BranchID,
				UserID:    e.UserID,
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Sync stores offline entries, deduplicating by offline ID
func (s *Server) Sync(ctx context.Context, req interfaces.SyncRequest) (*interfaces.SyncResponse, error) {
	var resp *interfaces.SyncResponse
	_, err := s.call(ctx, OpSync, func() (*models.WorkTimeEntry, error) {
		resp = &interfaces.SyncResponse{}
		for _, item := range req.Entries {
			resp.Results = append(resp.Results, s.syncItemLocked(item))
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// History lists entries starting after the query's Since, newest first
func (s *Server) History(ctx context.Context, query interfaces.HistoryQuery) ([]*models.WorkTimeEntry, error) {
	var out []*models.WorkTimeEntry
	_, err := s.call(ctx, OpHistory, func() (*models.WorkTimeEntry, error) {
		for _, e := range s.entries {
			if e.UserID != s.userID || e.StartTime.Before(query.Since) {
				continue
			}
			out = append(out, e.Clone())
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Branches returns the branch list
func (s *Server) Branches(ctx context.Context) ([]models.Branch, error) {
	var out []models.Branch
	_, err := s.call(ctx, OpBranches, func() (*models.WorkTimeEntry, error) {
		out = append([]models.Branch(nil), s.branches...)
		return nil, nil
	})
	return out, err
}

// call runs apply under the lock with failure injection and gating
func (s *Server) call(ctx context.Context, op string, apply func() (*models.WorkTimeEntry, error)) (*models.WorkTimeEntry, error) {
	s.mu.Lock()
	s.calls[op]++
	var failure *Failure
	if queue := s.failures[op]; len(queue) > 0 {
		failure = &queue[0]
		s.failures[op] = queue[1:]
	}
	gate := s.gates[op]

	if failure != nil && !failure.AfterApply {
		s.mu.Unlock()
		s.logger.Debug("Mock failure injected", zap.String("op", op), zap.Error(failure.Err))
		return nil, failure.Err
	}

	entry, err := apply()
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("%s: cancelled: %w", op, ctx.Err())
			}
			return nil, wterrors.NewAmbiguousNetworkError(op+": request timed out", ctx.Err())
		}
	}

	if failure != nil {
		s.logger.Debug("Mock failure injected after apply", zap.String("op", op), zap.Error(failure.Err))
		return nil, failure.Err
	}
	return entry, err
}

func (s *Server) syncItemLocked(item interfaces.SyncItem) interfaces.SyncItemResult {
	result := interfaces.SyncItemResult{OfflineID: item.OfflineID}

	if id, ok := s.synced[item.OfflineID]; ok {
		result.Success = true
		result.ServerID = id
		return result
	}
	if msg, ok := s.rejects[item.OfflineID]; ok {
		result.Message = msg
		return result
	}

	start, err := time.Parse(time.RFC3339Nano, item.Entry.StartTime)
	if err != nil {
		result.Message = "invalid start time"
		return result
	}
	if item.Entry.EndTime == nil {
		result.Message = "end time is required"
		return result
	}
	end, err := time.Parse(time.RFC3339Nano, *item.Entry.EndTime)
	if err != nil || end.Before(start) {
		result.Message = "invalid end time"
		return result
	}
	if item.Entry.BranchID <= 0 {
		result.Message = "branch is required"
		return result
	}

	// an entry the server already knows only needs its end time
	if item.Entry.ID > 0 {
		if existing, ok := s.entries[item.Entry.ID]; ok {
			if existing.Active() {
				existing.EndTime = &end
			}
			s.synced[item.OfflineID] = existing.ID
			result.Success = true
			result.ServerID = existing.ID
			return result
		}
	}

	entry := s.createLocked(item.Entry.BranchID, start)
	entry.EndTime = &end
	s.synced[item.OfflineID] = entry.ID
	result.Success = true
	result.ServerID = entry.ID
	return result
}

func (s *Server) createLocked(branchID int64, at time.Time) *models.WorkTimeEntry {
	s.nextID++
	entry := &models.WorkTimeEntry{
		ID:        s.nextID,
		StartTime: at.Round(0).UTC(),
		BranchID:  branchID,
		UserID:    s.userID,
		Synced:    true,
	}
	s.entries[entry.ID] = entry
	s.logger.Debug("Mock entry created", zap.Int64("id", entry.ID), zap.Int64("branch_id", branchID))
	return entry
}

func (s *Server) activeLocked() *models.WorkTimeEntry {
	for _, e := range s.entries {
		if e.UserID == s.userID && e.Active() {
			return e
		}
	}
	return nil
}

func (s *Server) branchActiveLocked(id int64) bool {
	for _, b := range s.branches {
		if b.ID == id {
			return b.IsActive
		}
	}
	return false
}
