// Package timer implements the work-time timer state machine
package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database/repositories"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrNoTimer is returned when stopping without a running timer
	ErrNoTimer = errors.New("no timer is running")

	// ErrStopUnconfirmed is returned when the server may or may not have
	// recorded a stop and the follow-up status query failed too. The entry
	// stays queued and is reconciled by the next sync.
	ErrStopUnconfirmed = errors.New("stop could not be confirmed by the server")

	// errNoop aborts a Mutate without writing
	errNoop = errors.New("no change")
)

// DefaultTimeout bounds each server call made by the machine
const DefaultTimeout = 10 * time.Second

// startMatchWindow is how far a server start time may drift from the
// requested one and still be recognised as the same start
const startMatchWindow = 2 * time.Minute

// StartResult describes the outcome of Start
type StartResult struct {
	Entry          *models.WorkTimeEntry
	State          models.TimerState
	AlreadyRunning bool
	// Cancelled is set when a stop arrived while the start was being confirmed
	Cancelled bool
}

// StopResult describes the outcome of Stop
type StopResult struct {
	Entry *models.WorkTimeEntry
	State models.TimerState
	// Queued is set when the entry waits in the offline queue
	Queued bool
}

// Options configures a Machine
type Options struct {
	UserID  int64
	Timeout time.Duration
	Now     func() time.Time
}

// Machine owns every transition of the timer slot. Server answers change
// the slot only through ApplyRemote or the machine's own start/stop flow.
type Machine struct {
	repo    *repositories.WorktimeRepository
	history *repositories.HistoryRepository
	api     interfaces.WorktimeAPI
	oracle  interfaces.ConnectivityOracle
	seq     *Sequencer
	logger  *zap.Logger

	userID  int64
	timeout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	lastApplied uint64
	inflight    map[uint64]bool
	cancelled   map[uint64]time.Time
	compensated map[int64]bool
}

// NewMachine creates a timer state machine
func NewMachine(
	repo *repositories.WorktimeRepository,
	history *repositories.HistoryRepository,
	api interfaces.WorktimeAPI,
	oracle interfaces.ConnectivityOracle,
	seq *Sequencer,
	opts Options,
	logger *zap.Logger,
) *Machine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if seq == nil {
		seq = &Sequencer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		repo:        repo,
		history:     history,
		api:         api,
		oracle:      oracle,
		seq:         seq,
		logger:      logger,
		userID:      opts.UserID,
		timeout:     opts.Timeout,
		now:         opts.Now,
		inflight:    make(map[uint64]bool),
		cancelled:   make(map[uint64]time.Time),
		compensated: make(map[int64]bool),
	}
}

// Sequencer returns the sequencer shared with the reconciler
func (m *Machine) Sequencer() *Sequencer {
	return m.seq
}

// Current returns the persisted slot
func (m *Machine) Current() (*models.TimerSlot, error) {
	state, err := m.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	return state.Slot, nil
}

// Start starts a timer on branchID. The local intent is persisted before the
// server is contacted.
func (m *Machine) Start(ctx context.Context, branchID int64) (*StartResult, error) {
	if branchID <= 0 {
		return nil, wterrors.NewValidationError("branch is required", nil)
	}

	attempt := m.beginWrite()
	now := m.now().Round(0)
	online := m.oracle.Online(ctx)

	m.mu.Lock()
	m.inflight[attempt] = online
	m.mu.Unlock()

	var prev *models.TimerSlot
	var existing *models.TimerSlot
	err := m.repo.Mutate(func(st *models.LocalState) error {
		if st.Slot.State.Running() {
			existing = st.Slot.Clone()
			return errNoop
		}
		prev = st.Slot.Clone()

		entry := models.NewLocalEntry(m.userID, branchID, now)
		state := models.TimerRunningLocalOnly
		if !online {
			entry.MarkOffline()
			state = models.TimerRunningOffline
		}
		st.Slot = &models.TimerSlot{State: state, Entry: entry, Attempt: attempt}
		return nil
	})

	if err != nil || !online {
		m.mu.Lock()
		delete(m.inflight, attempt)
		m.mu.Unlock()
	}
	if errors.Is(err, errNoop) {
		m.logger.Debug("Timer already running", zap.String("state", string(existing.State)))
		return &StartResult{Entry: existing.Entry, State: existing.State, AlreadyRunning: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if !online {
		slot, err := m.Current()
		if err != nil {
			return nil, err
		}
		m.logger.Info("Timer started offline",
			zap.Int64("branch_id", branchID),
			zap.String("offline_id", slot.Entry.OfflineID))
		return &StartResult{Entry: slot.Entry, State: slot.State}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	created, callErr := m.api.Start(callCtx, interfaces.StartRequest{BranchID: branchID, StartTime: now})
	cancel()

	return m.completeStart(ctx, attempt, branchID, now, prev, created, callErr)
}

func (m *Machine) completeStart(
	ctx context.Context,
	attempt uint64,
	branchID int64,
	requested time.Time,
	prev *models.TimerSlot,
	created *models.WorkTimeEntry,
	callErr error,
) (*StartResult, error) {
	var adopt *models.WorkTimeEntry
	switch {
	case callErr == nil:
		adopt = created.Clone()
	case wterrors.IsAmbiguous(callErr):
		m.logger.Warn("Start outcome unknown, checking server", zap.Error(callErr))
		if status, _, err := m.forcedQuery(ctx); err == nil && status.Active {
			adopt = status.Entry()
		}
	case wterrors.IsNetworkError(callErr):
		m.logger.Warn("Server unreachable, timer running offline", zap.Error(callErr))
	default:
		m.logger.Info("Start rejected", zap.Error(callErr))
	}

	// The attempt stays in flight until its outcome is written. A Stop either
	// cancels it before this point or waits and finds the final slot.
	m.mu.Lock()
	delete(m.inflight, attempt)
	stoppedAt, cancelled := m.cancelled[attempt]
	delete(m.cancelled, attempt)
	if cancelled {
		if created != nil {
			m.compensated[created.ID] = true
		}
		m.mu.Unlock()
		return m.finishCancelledStart(ctx, branchID, requested, stoppedAt, created, callErr)
	}

	var slot *models.TimerSlot
	var err error
	switch {
	case adopt != nil:
		slot, err = m.confirmStart(attempt, adopt)
	case wterrors.IsNetworkError(callErr):
		slot, err = m.startOffline(attempt)
	default:
		m.rollbackStart(attempt, prev)
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, callErr
	}
	switch slot.State {
	case models.TimerRunningConfirmed:
		m.logger.Info("Timer started", zap.Int64("id", slot.Entry.ID), zap.Int64("branch_id", branchID))
	case models.TimerRunningOffline:
		m.logger.Info("Timer running offline", zap.String("offline_id", slot.Entry.OfflineID))
	}
	return &StartResult{Entry: slot.Entry, State: slot.State}, nil
}

// confirmStart adopts a server entry for the slot written by attempt
func (m *Machine) confirmStart(attempt uint64, entry *models.WorkTimeEntry) (*models.TimerSlot, error) {
	entry.Synced = true
	var result *models.TimerSlot
	err := m.repo.Mutate(func(st *models.LocalState) error {
		if st.Slot.Attempt == attempt && st.Slot.State == models.TimerRunningLocalOnly {
			st.Slot = &models.TimerSlot{State: models.TimerRunningConfirmed, Entry: entry, Attempt: attempt}
			result = st.Slot.Clone()
			return nil
		}
		result = st.Slot.Clone()
		return errNoop
	})
	if err != nil && !errors.Is(err, errNoop) {
		return nil, err
	}
	if errors.Is(err, errNoop) {
		m.logger.Debug("Start confirmation superseded", zap.String("state", string(result.State)))
	}
	return result, nil
}

func (m *Machine) startOffline(attempt uint64) (*models.TimerSlot, error) {
	var result *models.TimerSlot
	err := m.repo.Mutate(func(st *models.LocalState) error {
		if st.Slot.Attempt == attempt && st.Slot.State == models.TimerRunningLocalOnly {
			st.Slot.Entry.MarkOffline()
			st.Slot.State = models.TimerRunningOffline
			result = st.Slot.Clone()
			return nil
		}
		result = st.Slot.Clone()
		return errNoop
	})
	if err != nil && !errors.Is(err, errNoop) {
		return nil, err
	}
	return result, nil
}

// rollbackStart restores the slot a rejected start replaced
func (m *Machine) rollbackStart(attempt uint64, prev *models.TimerSlot) {
	err := m.repo.Mutate(func(st *models.LocalState) error {
		if st.Slot.Attempt != attempt || st.Slot.State != models.TimerRunningLocalOnly {
			return errNoop
		}
		st.Slot = restorable(prev, st)
		return nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		m.logger.Error("Failed to roll back rejected start", zap.Error(err))
	}
}

// finishCancelledStart undoes a start the user already stopped locally
func (m *Machine) finishCancelledStart(
	ctx context.Context,
	branchID int64,
	requested, stoppedAt time.Time,
	created *models.WorkTimeEntry,
	callErr error,
) (*StartResult, error) {
	result := &StartResult{State: models.TimerIdle, Cancelled: true}

	switch {
	case callErr == nil:
		result.Entry = m.compensate(ctx, created, stoppedAt)

	case wterrors.IsAmbiguous(callErr):
		status, _, err := m.forcedQuery(ctx)
		if err != nil {
			m.logger.Warn("Cannot tell whether cancelled start reached the server", zap.Error(err))
			return result, nil
		}
		if status.Active && status.BranchID == branchID && withinWindow(status.StartTime, requested) {
			m.mu.Lock()
			m.compensated[status.ID] = true
			m.mu.Unlock()
			result.Entry = m.compensate(ctx, status.Entry(), stoppedAt)
		}

	default:
		m.logger.Debug("Cancelled start was not applied", zap.Error(callErr))
	}
	return result, nil
}

// compensate closes a server entry created by a start the user cancelled
func (m *Machine) compensate(ctx context.Context, created *models.WorkTimeEntry, stoppedAt time.Time) *models.WorkTimeEntry {
	defer func() {
		m.mu.Lock()
		delete(m.compensated, created.ID)
		m.mu.Unlock()
	}()

	closed := created.Clone()
	if err := closed.Close(maxTime(stoppedAt, closed.StartTime)); err != nil {
		m.logger.Warn("Cancelled start is already closed", zap.Int64("id", created.ID))
		return closed
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	stopped, err := m.api.Stop(callCtx, interfaces.StopRequest{ID: closed.ID, EndTime: *closed.EndTime})
	cancel()

	switch {
	case err == nil:
		m.logger.Info("Cancelled start compensated", zap.Int64("id", closed.ID))
		m.appendHistory(stopped)
		return stopped
	case wterrors.IsNetworkError(err) || errors.Is(err, context.Canceled):
		closed.MarkOffline()
		qErr := m.repo.Mutate(func(st *models.LocalState) error {
			st.Enqueue(closed, m.now())
			return nil
		})
		if qErr != nil {
			m.logger.Error("Failed to queue compensating stop", zap.Int64("id", closed.ID), zap.Error(qErr))
		} else {
			m.logger.Info("Compensating stop queued", zap.Int64("id", closed.ID), zap.String("offline_id", closed.OfflineID))
		}
		return closed
	default:
		m.logger.Warn("Compensating stop rejected", zap.Int64("id", closed.ID), zap.Error(err))
		return closed
	}
}

// Stop stops the running timer. A confirmed entry is queued before the
// server is contacted so a crash mid-stop loses nothing.
func (m *Machine) Stop(ctx context.Context) (*StopResult, error) {
	m.beginWrite()
	now := m.now().Round(0)

	var closed *models.WorkTimeEntry
	var from models.TimerState

	// m.mu is taken before the store transaction, never inside it
	m.mu.Lock()
	err := m.repo.Mutate(func(st *models.LocalState) error {
		slot := st.Slot
		from = slot.State

		switch slot.State {
		case models.TimerIdle, models.TimerStoppedPendingSync:
			return ErrNoTimer

		case models.TimerRunningLocalOnly:
			inflight := m.inflight[slot.Attempt]
			if inflight {
				m.cancelled[slot.Attempt] = now
			}

			closed = slot.Entry.Clone()
			if err := closed.Close(maxTime(now, closed.StartTime)); err != nil {
				return err
			}
			if inflight {
				st.Slot = models.IdleSlot()
				return nil
			}
			// the start that wrote this slot belongs to an earlier process
			closed.MarkOffline()
			st.Enqueue(closed, now)
			st.Slot = &models.TimerSlot{State: models.TimerStoppedPendingSync, Entry: closed.Clone(), Attempt: slot.Attempt}
			return nil

		case models.TimerRunningOffline, models.TimerRunningConfirmed:
			closed = slot.Entry.Clone()
			if err := closed.Close(maxTime(now, closed.StartTime)); err != nil {
				return err
			}
			closed.MarkOffline()
			st.Enqueue(closed, now)
			st.Slot = &models.TimerSlot{State: models.TimerStoppedPendingSync, Entry: closed.Clone(), Attempt: slot.Attempt}
			return nil
		}
		return fmt.Errorf("unknown timer state %q", slot.State)
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	switch from {
	case models.TimerRunningLocalOnly:
		state := models.TimerIdle
		if closed.IsOffline() {
			state = models.TimerStoppedPendingSync
		}
		m.logger.Info("Timer stopped before the server confirmed the start", zap.String("state", string(state)))
		return &StopResult{Entry: closed, State: state, Queued: closed.IsOffline()}, nil

	case models.TimerRunningOffline:
		m.logger.Info("Timer stopped offline", zap.String("offline_id", closed.OfflineID))
		return &StopResult{Entry: closed, State: models.TimerStoppedPendingSync, Queued: true}, nil
	}

	if !m.oracle.Online(ctx) {
		m.logger.Info("Offline, stop queued", zap.Int64("id", closed.ID), zap.String("offline_id", closed.OfflineID))
		return &StopResult{Entry: closed, State: models.TimerStoppedPendingSync, Queued: true}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	stopped, callErr := m.api.Stop(callCtx, interfaces.StopRequest{ID: closed.ID, EndTime: *closed.EndTime})
	cancel()

	switch {
	case callErr == nil:
		if err := m.commitStop(closed.OfflineID, nil); err != nil {
			return nil, err
		}
		m.appendHistory(stopped)
		m.logger.Info("Timer stopped", zap.Int64("id", stopped.ID))
		return &StopResult{Entry: stopped, State: models.TimerIdle}, nil

	case wterrors.IsAmbiguous(callErr):
		m.logger.Warn("Stop outcome unknown, checking server", zap.Int64("id", closed.ID), zap.Error(callErr))
		state, err := m.resolveStop(ctx, closed)
		if err != nil {
			return &StopResult{Entry: closed, State: state, Queued: true}, err
		}
		return &StopResult{Entry: closed, State: state, Queued: state == models.TimerStoppedPendingSync}, nil

	case wterrors.IsNetworkError(callErr):
		m.logger.Warn("Server unreachable, stop queued", zap.Int64("id", closed.ID), zap.Error(callErr))
		return &StopResult{Entry: closed, State: models.TimerStoppedPendingSync, Queued: true}, nil

	case wterrors.IsBusinessError(callErr):
		m.logger.Info("Stop rejected, re-checking server", zap.Int64("id", closed.ID), zap.Error(callErr))
		state, err := m.resolveStop(ctx, closed)
		result := &StopResult{Entry: closed, State: state, Queued: state == models.TimerStoppedPendingSync}
		if err == nil && state != models.TimerStoppedPendingSync {
			// the re-check settled the slot
			return result, nil
		}
		return result, callErr

	default:
		return &StopResult{Entry: closed, State: models.TimerStoppedPendingSync, Queued: true}, callErr
	}
}

// resolveStop decides a stop whose server outcome is unknown
func (m *Machine) resolveStop(ctx context.Context, closed *models.WorkTimeEntry) (models.TimerState, error) {
	status, seq, err := m.forcedQuery(ctx)
	if err != nil {
		return models.TimerStoppedPendingSync, fmt.Errorf("%w: %v", ErrStopUnconfirmed, err)
	}
	if !m.admit(seq) {
		slot, err := m.Current()
		if err != nil {
			return models.TimerStoppedPendingSync, err
		}
		return slot.State, nil
	}

	switch {
	case !status.Active:
		if err := m.commitStop(closed.OfflineID, nil); err != nil {
			return models.TimerStoppedPendingSync, err
		}
		return models.TimerIdle, nil

	case status.ID == closed.ID:
		m.logger.Info("Server still runs the stopped entry, keeping it queued", zap.Int64("id", closed.ID))
		return models.TimerStoppedPendingSync, nil

	default:
		if err := m.commitStop(closed.OfflineID, status.Entry()); err != nil {
			return models.TimerStoppedPendingSync, err
		}
		m.logger.Info("Adopted timer started elsewhere", zap.Int64("id", status.ID))
		return models.TimerRunningConfirmed, nil
	}
}

// commitStop removes an acknowledged stop from the queue. If adopt is set it
// becomes the running entry.
func (m *Machine) commitStop(offlineID string, adopt *models.WorkTimeEntry) error {
	err := m.repo.Mutate(func(st *models.LocalState) error {
		st.RemoveQueued(offlineID)
		ours := st.Slot.State == models.TimerStoppedPendingSync && st.Slot.Entry.OfflineID == offlineID
		switch {
		case adopt != nil && (ours || st.Slot.IsIdle()):
			st.Slot = &models.TimerSlot{State: models.TimerRunningConfirmed, Entry: adopt}
		case ours:
			st.Slot = models.IdleSlot()
		}
		return nil
	})
	return err
}

// ApplyRemote applies a server status fetched under sequence number seq.
// It reports whether the answer was applied.
func (m *Machine) ApplyRemote(seq uint64, status *models.ActiveStatus) (bool, error) {
	if status == nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if seq < m.lastApplied {
		m.logger.Debug("Discarding stale status", zap.Uint64("seq", seq), zap.Uint64("last_applied", m.lastApplied))
		return false, nil
	}
	m.lastApplied = seq

	if status.Active && (len(m.cancelled) > 0 || m.compensated[status.ID]) {
		m.logger.Debug("Ignoring active entry while a cancelled start is unwound", zap.Int64("id", status.ID))
		return false, nil
	}

	var applied models.TimerState
	err := m.repo.Mutate(func(st *models.LocalState) error {
		slot := st.Slot
		if slot.OfflineFlagged() {
			return errNoop
		}

		if status.Active {
			if st.QueuedServerID(status.ID) {
				return errNoop
			}
			if slot.State == models.TimerRunningLocalOnly && m.inflight[slot.Attempt] {
				return errNoop
			}
			if slot.State == models.TimerRunningConfirmed && sameEntry(slot.Entry, status) {
				return errNoop
			}
			st.Slot = &models.TimerSlot{State: models.TimerRunningConfirmed, Entry: status.Entry()}
			applied = st.Slot.State
			return nil
		}

		switch slot.State {
		case models.TimerRunningConfirmed:
			st.Slot = models.IdleSlot()
			applied = st.Slot.State
			return nil
		case models.TimerRunningLocalOnly:
			if m.inflight[slot.Attempt] {
				return errNoop
			}
			// the server never saw this start; keep the work as offline time
			slot.Entry.MarkOffline()
			slot.State = models.TimerRunningOffline
			applied = slot.State
			return nil
		}
		return errNoop
	})
	if err != nil && !errors.Is(err, errNoop) {
		return false, err
	}
	if applied == "" {
		return false, nil
	}
	m.logger.Info("Timer state updated from server", zap.String("state", string(applied)))
	return true, nil
}

// forcedQuery asks the server for the active entry under a fresh sequence number
func (m *Machine) forcedQuery(ctx context.Context) (*models.ActiveStatus, uint64, error) {
	seq := m.seq.Next()
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	status, err := m.api.Active(callCtx)
	if err != nil {
		return nil, seq, err
	}
	return status, seq, nil
}

// beginWrite tags a user action with a sequence number so that status
// answers requested before it are discarded
func (m *Machine) beginWrite() uint64 {
	seq := m.seq.Next()
	m.admit(seq)
	return seq
}

func (m *Machine) admit(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < m.lastApplied {
		return false
	}
	m.lastApplied = seq
	return true
}

func (m *Machine) appendHistory(entry *models.WorkTimeEntry) {
	if m.history == nil || entry == nil {
		return
	}
	if err := m.history.AppendHistory(entry); err != nil {
		m.logger.Warn("Failed to update history cache", zap.Error(err))
	}
}

// restorable returns prev unless it refers to a queued entry that sync has
// since removed
func restorable(prev *models.TimerSlot, st *models.LocalState) *models.TimerSlot {
	if prev == nil || prev.IsIdle() {
		return models.IdleSlot()
	}
	if prev.State == models.TimerStoppedPendingSync && st.FindQueued(prev.Entry.OfflineID) == nil {
		return models.IdleSlot()
	}
	return prev
}

func sameEntry(e *models.WorkTimeEntry, status *models.ActiveStatus) bool {
	return e.ID == status.ID && e.StartTime.Equal(status.StartTime) && e.BranchID == status.BranchID
}

func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= startMatchWindow
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
