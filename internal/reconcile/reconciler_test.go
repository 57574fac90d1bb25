package reconcile

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intranet/worktime/internal/api/mock"
	"github.com/intranet/worktime/internal/branches"
	"github.com/intranet/worktime/internal/connectivity"
	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database"
	"github.com/intranet/worktime/internal/database/repositories"
	"github.com/intranet/worktime/internal/timer"
	"github.com/intranet/worktime/pkg/models"
	"github.com/stretchr/testify/assert"
	tmock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server     *mock.Server
	oracle     *connectivity.Static
	repo       *repositories.WorktimeRepository
	history    *repositories.HistoryRepository
	machine    *timer.Machine
	reconciler *Reconciler
}

func newFixture(t *testing.T, api interfaces.WorktimeAPI, config Config) *fixture {
	t.Helper()
	db, err := database.NewManager(&database.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Open())
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		server:  mock.NewServer(7, nil),
		oracle:  connectivity.NewStatic(true),
		repo:    repositories.NewWorktimeRepository(db, nil),
		history: repositories.NewHistoryRepository(db),
	}
	if api == nil {
		api = f.server
	}
	f.machine = timer.NewMachine(f.repo, f.history, api, f.oracle, nil, timer.Options{UserID: 7, Timeout: time.Second}, nil)
	dir := branches.NewDirectory(f.server, f.history, nil, nil)
	f.reconciler = NewReconciler(f.machine, api, f.oracle, f.history, dir, config, nil)
	return f
}

func (f *fixture) slot(t *testing.T) *models.TimerSlot {
	t.Helper()
	slot, err := f.machine.Current()
	require.NoError(t, err)
	return slot
}

// MockWorktimeAPI is a testify mock of the server
type MockWorktimeAPI struct {
	tmock.Mock
}

func (m *MockWorktimeAPI) Start(ctx context.Context, req interfaces.StartRequest) (*models.WorkTimeEntry, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkTimeEntry), args.Error(1)
}

func (m *MockWorktimeAPI) Stop(ctx context.Context, req interfaces.StopRequest) (*models.WorkTimeEntry, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkTimeEntry), args.Error(1)
}

func (m *MockWorktimeAPI) Active(ctx context.Context) (*models.ActiveStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ActiveStatus), args.Error(1)
}

func (m *MockWorktimeAPI) Sync(ctx context.Context, req interfaces.SyncRequest) (*interfaces.SyncResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.SyncResponse), args.Error(1)
}

func (m *MockWorktimeAPI) History(ctx context.Context, query interfaces.HistoryQuery) ([]*models.WorkTimeEntry, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WorkTimeEntry), args.Error(1)
}

func TestCheckAdoptsServerTimer(t *testing.T) {
	f := newFixture(t, nil, Config{})
	started := f.server.StartDirect(2, time.Now().Add(-time.Hour))

	res, err := f.reconciler.Check(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	slot := f.slot(t)
	assert.Equal(t, models.TimerRunningConfirmed, slot.State)
	assert.Equal(t, started.ID, slot.Entry.ID)
	assert.Equal(t, int64(2), slot.Entry.BranchID)
}

func TestCheckClearsTimerStoppedElsewhere(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	f.server.StopDirect(time.Now())

	res, err := f.reconciler.Check(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, f.slot(t).IsIdle())
}

func TestCheckSkipsOfflineEntry(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	f.oracle.Set(false)
	_, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	f.oracle.Set(true)
	f.server.StartDirect(2, time.Now())

	res, err := f.reconciler.Check(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, SkipOfflineEntry, res.Skipped)
	assert.Zero(t, f.server.Calls(mock.OpActive))
	assert.Equal(t, models.TimerRunningOffline, f.slot(t).State, "local offline entry wins")
}

func TestCheckDebounce(t *testing.T) {
	f := newFixture(t, nil, Config{MinInterval: time.Hour})
	ctx := context.Background()

	res, err := f.reconciler.Check(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	res, err = f.reconciler.Check(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SkipDebounced, res.Skipped)
	assert.Equal(t, 1, f.server.Calls(mock.OpActive))

	_, err = f.reconciler.Check(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.server.Calls(mock.OpActive), "forced checks bypass the debounce window")
}

func TestCheckWhileDisconnected(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	f.oracle.Set(false)

	res, err := f.reconciler.Check(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SkipDisconnected, res.Skipped)
	assert.Zero(t, f.server.Calls(mock.OpActive))

	_, err = f.reconciler.Check(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.Calls(mock.OpActive))
}

func TestCheckQueryFailureLeavesSlot(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	started, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	f.server.FailNext(mock.OpActive, mock.Failure{Err: mock.ErrUnreachable()})

	res, err := f.reconciler.Check(ctx, true)
	require.Error(t, err)
	assert.Equal(t, SkipQueryFailed, res.Skipped)

	slot := f.slot(t)
	assert.Equal(t, models.TimerRunningConfirmed, slot.State)
	assert.Equal(t, started.Entry.ID, slot.Entry.ID)
}

func TestForcedCheckOverridesStalePeriodicResponse(t *testing.T) {
	api := new(MockWorktimeAPI)
	f := newFixture(t, api, Config{})
	ctx := context.Background()

	startedAt := time.Now().Add(-time.Hour).Round(0).UTC()
	require.NoError(t, f.repo.Mutate(func(st *models.LocalState) error {
		st.Slot = &models.TimerSlot{
			State: models.TimerRunningConfirmed,
			Entry: &models.WorkTimeEntry{ID: 5, StartTime: startedAt, BranchID: 1, UserID: 7, Synced: true},
		}
		return nil
	}))

	inFlight := make(chan struct{})
	release := make(chan struct{})
	api.On("Active", tmock.Anything).
		Return(&models.ActiveStatus{Active: true, ID: 5, StartTime: startedAt, BranchID: 1, UserID: 7}, nil).
		Run(func(tmock.Arguments) {
			close(inFlight)
			<-release
		}).Once()
	api.On("Active", tmock.Anything).Return(&models.ActiveStatus{Active: false}, nil).Once()

	periodic := make(chan *CheckResult, 1)
	go func() {
		res, err := f.reconciler.Check(ctx, false)
		assert.NoError(t, err)
		periodic <- res
	}()
	<-inFlight

	forced, err := f.reconciler.Check(ctx, true)
	require.NoError(t, err)
	assert.True(t, forced.Applied)
	assert.True(t, f.slot(t).IsIdle())

	close(release)
	stale := <-periodic
	assert.Less(t, stale.Seq, forced.Seq)
	assert.False(t, stale.Applied)
	assert.True(t, f.slot(t).IsIdle(), "older periodic answer is discarded")
	api.AssertExpectations(t)
}

func TestRefreshReloadsHistoryAndBranches(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	f.server.StartDirect(1, time.Now().Add(-3*time.Hour))
	f.server.StopDirect(time.Now().Add(-2 * time.Hour))
	f.server.StartDirect(2, time.Now().Add(-40*24*time.Hour))
	f.server.StopDirect(time.Now().Add(-40*24*time.Hour + time.Hour))
	running := f.server.StartDirect(2, time.Now().Add(-time.Minute))
	f.server.SetBranches([]models.Branch{{ID: 9, Name: "Depot", IsActive: true}})

	require.NoError(t, f.reconciler.Refresh(ctx))

	history, err := f.history.History()
	require.NoError(t, err)
	assert.Len(t, history, 2, "entries outside the window are not loaded")

	cache, err := f.history.Branches()
	require.NoError(t, err)
	require.NotNil(t, cache)
	assert.Equal(t, "Depot", cache.Branches[0].Name)

	slot := f.slot(t)
	assert.Equal(t, models.TimerRunningConfirmed, slot.State)
	assert.Equal(t, running.ID, slot.Entry.ID)
}

func TestRefreshReportsFailures(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.server.FailNext(mock.OpHistory, mock.Failure{Err: mock.ErrUnreachable()})
	f.server.FailNext(mock.OpBranches, mock.Failure{Err: mock.ErrUnreachable()})

	err := f.reconciler.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
	assert.Contains(t, err.Error(), "branches")
	assert.Equal(t, 1, f.server.Calls(mock.OpActive), "the active check still runs")
}

type countingSyncer struct {
	calls atomic.Int32
}

func (s *countingSyncer) Sync(ctx context.Context) (*models.SyncResult, error) {
	s.calls.Add(1)
	return &models.SyncResult{}, nil
}

func TestLoopSyncsOnReconnect(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.oracle.Set(false)
	syncer := &countingSyncer{}

	loop := NewLoop(f.reconciler, syncer, f.oracle, Intervals{}, nil)
	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()
	assert.Error(t, loop.Start(context.Background()), "already running")

	f.oracle.Set(true)
	require.Eventually(t, func() bool {
		return syncer.calls.Load() == 1 && f.server.Calls(mock.OpActive) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLoopTickers(t *testing.T) {
	f := newFixture(t, nil, Config{})
	syncer := &countingSyncer{}

	loop := NewLoop(f.reconciler, syncer, f.oracle, Intervals{}, nil)
	require.NoError(t, loop.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.server.Calls(mock.OpActive), "disabled cadences never fire")

	loop.SetIntervals(Intervals{Active: 5 * time.Millisecond, Sync: 5 * time.Millisecond})
	assert.Equal(t, 5*time.Millisecond, loop.Intervals().Active)
	require.Eventually(t, func() bool {
		return f.server.Calls(mock.OpActive) >= 2 && syncer.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	loop.Stop()
	assert.False(t, loop.IsRunning())
	calls := f.server.Calls(mock.OpActive)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, f.server.Calls(mock.OpActive), "stopped loop owns no timers")
}
