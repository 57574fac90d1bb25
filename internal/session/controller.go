// Package session wires the timer, reconciliation and sync components for
// one logged-in user and owns their background work
package session

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/intranet/worktime/internal/branches"
	"github.com/intranet/worktime/internal/config"
	"github.com/intranet/worktime/internal/connectivity"
	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database"
	"github.com/intranet/worktime/internal/database/repositories"
	"github.com/intranet/worktime/internal/providers"
	"github.com/intranet/worktime/internal/reconcile"
	"github.com/intranet/worktime/internal/stats"
	"github.com/intranet/worktime/internal/sync"
	"github.com/intranet/worktime/internal/timer"
	"github.com/intranet/worktime/internal/timezone"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

// Options configures Open
type Options struct {
	Config  *config.Config
	Backend *providers.Backend
	// Oracle overrides the oracle derived from the configuration
	Oracle interfaces.ConnectivityOracle
	Logger *zap.Logger
}

// Session is the session-scoped owner of every worktime component
type Session struct {
	cfg     *config.Config
	backend *providers.Backend
	logger  *zap.Logger

	db        *database.Manager
	tz        *timezone.Normalizer
	repo      *repositories.WorktimeRepository
	history   *repositories.HistoryRepository
	directory *branches.Directory
	oracle    interfaces.ConnectivityOracle
	prober    *connectivity.Prober
	userID    int64

	machine    *timer.Machine
	reconciler *reconcile.Reconciler
	engine     *sync.Engine
	loop       *reconcile.Loop

	mu      stdsync.Mutex
	cancel  context.CancelFunc
	wg      stdsync.WaitGroup
	running bool
	closed  bool
}

// Status is the user-facing timer status
type Status struct {
	State        models.TimerState     `json:"state"`
	Entry        *models.WorkTimeEntry `json:"entry,omitempty"`
	BranchName   string                `json:"branchName,omitempty"`
	StartedLocal string                `json:"startedLocal,omitempty"`
	Elapsed      string                `json:"elapsed,omitempty"`
	Queued       int                   `json:"queued"`
	Online       bool                  `json:"online"`
	LoggedIn     bool                  `json:"loggedIn"`
	Username     string                `json:"username,omitempty"`
	BranchSource branches.Source       `json:"branchSource"`
	LastSync     *models.SyncMetadata  `json:"lastSync,omitempty"`
}

// Open opens the local store and wires the components. Nothing runs in the
// background until Run is called.
func Open(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil || opts.Backend == nil {
		return nil, wterrors.NewValidationError("session needs a configuration and a backend", nil)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	tz, err := timezone.New(cfg.User.Timezone)
	if err != nil {
		return nil, wterrors.NewConfigError("invalid user.timezone", err)
	}

	db, err := database.NewManager(&database.Options{Path: cfg.Storage.Path})
	if err != nil {
		return nil, err
	}
	if err := db.Open(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		backend: opts.Backend,
		logger:  log,
		db:      db,
		tz:      tz,
		repo:    repositories.NewWorktimeRepository(db, log.Named("store")),
		history: repositories.NewHistoryRepository(db),
		userID:  opts.Backend.UserID(cfg.User.ID),
	}

	s.oracle = opts.Oracle
	if s.oracle == nil {
		s.oracle, err = s.newOracle()
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	client := opts.Backend.Client
	s.directory = branches.NewDirectory(client, s.history, cfg.FallbackBranches(), log.Named("branches"))
	s.machine = timer.NewMachine(s.repo, s.history, client, s.oracle, nil, timer.Options{
		UserID:  s.userID,
		Timeout: cfg.Server.Timeout,
	}, log.Named("timer"))
	s.reconciler = reconcile.NewReconciler(s.machine, client, s.oracle, s.history, s.directory, reconcile.Config{
		MinInterval: cfg.Reconcile.MinInterval,
		Timeout:     cfg.Server.Timeout,
	}, log.Named("reconcile"))

	s.engine, err = sync.NewEngine(s.repo, s.history, client, tz, &sync.EngineConfig{
		BatchSize: cfg.Sync.BatchSize,
		QueueWarn: cfg.Sync.QueueWarn,
		Timeout:   cfg.Server.Timeout,
	}, log.Named("sync"))
	if err != nil {
		db.Close()
		return nil, err
	}
	s.loop = reconcile.NewLoop(s.reconciler, s.engine, s.oracle, intervals(cfg), log.Named("loop"))

	return s, nil
}

func (s *Session) newOracle() (interfaces.ConnectivityOracle, error) {
	if s.cfg.Connectivity.Offline {
		return connectivity.NewStatic(false), nil
	}
	p, err := connectivity.NewProber(s.backend.BaseURL, connectivity.ProberOptions{
		Interval: s.cfg.Connectivity.ProbeInterval,
		Timeout:  s.cfg.Connectivity.ProbeTimeout,
	}, s.logger.Named("connectivity"))
	if err != nil {
		return nil, wterrors.NewConfigError("invalid server.base_url", err)
	}
	s.prober = p
	return p, nil
}

func intervals(cfg *config.Config) reconcile.Intervals {
	return reconcile.Intervals{
		Active:  cfg.Reconcile.ActiveInterval,
		Refresh: cfg.Reconcile.RefreshInterval,
		Sync:    cfg.Sync.Interval,
	}
}

// Run starts the connectivity prober and the reconcile loop, and performs an
// initial sync and refresh when the server is reachable
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wterrors.NewValidationError("session is closed", nil)
	}
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.prober != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.prober.Run(ctx)
		}()
	}
	if err := s.loop.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.oracle.Online(ctx) {
			return
		}
		if _, err := s.engine.Sync(ctx); err != nil {
			s.logger.Warn("Initial sync failed", zap.Error(err))
		}
		if err := s.reconciler.Refresh(ctx); err != nil {
			s.logger.Debug("Initial refresh incomplete", zap.Error(err))
		}
	}()

	s.running = true
	s.logger.Info("Session started", zap.Int64("user_id", s.userID))
	return nil
}

// Close cancels every timer and goroutine and closes the local store
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running {
		s.loop.Stop()
		s.cancel()
		s.wg.Wait()
	}
	return s.db.Close()
}

// ApplyConfig applies settings that can change while running
func (s *Session) ApplyConfig(cfg *config.Config) {
	s.loop.SetIntervals(intervals(cfg))
	if static, ok := s.oracle.(*connectivity.Static); ok && s.prober == nil {
		static.Set(!cfg.Connectivity.Offline)
	}
	s.logger.Info("Configuration reloaded")
}

// Start starts a timer on the given branch
func (s *Session) Start(ctx context.Context, branchID int64) (*timer.StartResult, error) {
	if s.userID <= 0 {
		return nil, wterrors.NewAuthError("not logged in, run 'worktime auth login'", nil)
	}
	if err := s.directory.Validate(branchID); err != nil {
		return nil, err
	}

	// a timer started on another device is adopted instead of duplicated
	if s.oracle.Online(ctx) {
		if _, err := s.reconciler.Check(ctx, true); err != nil {
			s.logger.Debug("Pre-start check failed", zap.Error(err))
		}
	}
	return s.machine.Start(ctx, branchID)
}

// Stop stops the running timer and re-checks the server
func (s *Session) Stop(ctx context.Context) (*timer.StopResult, error) {
	res, err := s.machine.Stop(ctx)
	if err != nil && !wterrors.IsBusinessError(err) {
		return res, err
	}
	if _, cerr := s.reconciler.Check(ctx, true); cerr != nil {
		s.logger.Debug("Post-stop check failed", zap.Error(cerr))
	}
	return res, err
}

// Refresh reloads history, branches and the active entry
func (s *Session) Refresh(ctx context.Context) error {
	return s.reconciler.Refresh(ctx)
}

// Sync uploads the offline queue
func (s *Session) Sync(ctx context.Context) (*models.SyncResult, error) {
	return s.engine.Sync(ctx)
}

// Status returns the timer status. refresh forces a server check first.
func (s *Session) Status(ctx context.Context, refresh bool) (*Status, error) {
	if refresh {
		if _, err := s.reconciler.Check(ctx, true); err != nil {
			s.logger.Debug("Status refresh failed", zap.Error(err))
		}
	}

	state, err := s.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	st := &Status{
		State:        state.Slot.State,
		Queued:       len(state.Queue),
		Online:       s.oracle.Online(ctx),
		LoggedIn:     s.backend.Auth.LoggedIn(),
		BranchSource: s.directory.Source(),
	}
	if creds, err := s.backend.Auth.Credentials(); err == nil {
		st.Username = creds.Username
	}
	if !state.Slot.IsIdle() {
		e := state.Slot.Entry
		st.Entry = e
		st.BranchName = s.directory.Name(e.BranchID)
		st.StartedLocal = s.tz.FormatLocal(e.StartTime)
		if e.Active() {
			st.Elapsed = s.tz.Elapsed(e.StartTime, time.Now())
		} else {
			st.Elapsed = s.tz.Duration(e.StartTime, e.EndTime)
		}
	}
	if meta, err := s.history.SyncMetadata(); err == nil && meta != nil && !meta.LastAttempt.IsZero() {
		st.LastSync = meta
	}
	return st, nil
}

// History returns cached server entries plus queued offline entries started
// at or after since, newest first
func (s *Session) History(since time.Time) ([]*models.WorkTimeEntry, error) {
	entries, err := s.localEntries()
	if err != nil {
		return nil, err
	}
	var out []*models.WorkTimeEntry
	for _, e := range entries {
		if !e.StartTime.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// WeeklyStats computes the statistics of the week containing week
func (s *Session) WeeklyStats(week time.Time) (*stats.Weekly, error) {
	entries, err := s.localEntries()
	if err != nil {
		return nil, err
	}
	return stats.Compute(entries, week, s.tz), nil
}

// ExportWeek lists the entries of the week containing week
func (s *Session) ExportWeek(week time.Time) ([]stats.Row, error) {
	entries, err := s.localEntries()
	if err != nil {
		return nil, err
	}
	return stats.ExportRows(entries, week, s.tz, s.directory.Name), nil
}

// Branches returns the branch list and where it came from
func (s *Session) Branches(ctx context.Context, refresh bool) ([]models.Branch, branches.Source, error) {
	var err error
	if refresh {
		err = s.directory.Refresh(ctx)
	}
	return s.directory.List(), s.directory.Source(), err
}

// BranchName resolves a branch id against the current list
func (s *Session) BranchName(id int64) string {
	return s.directory.Name(id)
}

// Logout ends the server session and tears down background work
func (s *Session) Logout(ctx context.Context) error {
	if err := s.backend.Auth.Logout(ctx); err != nil {
		return err
	}
	return s.Close()
}

// Backup copies the local store to path
func (s *Session) Backup(path string) error {
	if err := s.db.Backup(path); err != nil {
		return fmt.Errorf("failed to back up local store: %w", err)
	}
	return nil
}

// Timezone returns the configured normalizer
func (s *Session) Timezone() *timezone.Normalizer {
	return s.tz
}

// Pending returns the offline queue
func (s *Session) Pending() ([]*models.QueuedEntry, error) {
	state, err := s.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	return state.Queue, nil
}

// Quarantined lists keys holding unreadable queue data
func (s *Session) Quarantined() ([]string, error) {
	return s.repo.Quarantined()
}

// localEntries merges the history cache, the offline queue and the slot
func (s *Session) localEntries() ([]*models.WorkTimeEntry, error) {
	history, err := s.history.History()
	if err != nil {
		return nil, err
	}
	state, err := s.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	entries := append([]*models.WorkTimeEntry{}, history...)
	for _, q := range state.Queue {
		entries = append(entries, q.Entry.Clone())
	}
	if !state.Slot.IsIdle() && state.Slot.State.Running() {
		entries = append(entries, state.Slot.Entry.Clone())
	}
	return stats.Dedupe(entries), nil
}
