package timer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/intranet/worktime/internal/api/mock"
	"github.com/intranet/worktime/internal/connectivity"
	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database"
	"github.com/intranet/worktime/internal/database/repositories"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	machine *Machine
	server  *mock.Server
	oracle  *connectivity.Static
	repo    *repositories.WorktimeRepository
	history *repositories.HistoryRepository
}

func newFixture(t *testing.T) *fixture {
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
	f.machine = NewMachine(f.repo, f.history, f.server, f.oracle, nil, Options{UserID: 7, Timeout: time.Second}, nil)
	return f
}

func (f *fixture) state(t *testing.T) *models.LocalState {
	t.Helper()
	st, err := f.repo.Snapshot()
	require.NoError(t, err)
	return st
}

func TestStartOnlineIsConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunningConfirmed, res.State)
	assert.True(t, res.Entry.HasServerID())
	assert.False(t, res.Entry.IsOffline())

	again, err := f.machine.Start(ctx, 2)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRunning)
	assert.Equal(t, res.Entry.ID, again.Entry.ID)
	assert.Equal(t, 1, f.server.Calls(mock.OpStart), "a running timer is never started twice")
}

func TestOfflineStartAndStopStayLocal(t *testing.T) {
	f := newFixture(t)
	f.oracle.Set(false)
	ctx := context.Background()

	res, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunningOffline, res.State)
	assert.NotEmpty(t, res.Entry.OfflineID)

	stop, err := f.machine.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimerStoppedPendingSync, stop.State)
	assert.True(t, stop.Queued)

	st := f.state(t)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, res.Entry.OfflineID, st.Queue[0].Entry.OfflineID)
	assert.NotNil(t, st.Queue[0].Entry.EndTime)
	assert.Zero(t, f.server.Calls(mock.OpStart))
	assert.Zero(t, f.server.Calls(mock.OpStop))

	_, err = f.machine.Stop(ctx)
	assert.ErrorIs(t, err, ErrNoTimer)
}

func TestStartFallsBackToOfflineOnNetworkFailure(t *testing.T) {
	f := newFixture(t)
	f.server.FailNext(mock.OpStart, mock.Failure{Err: mock.ErrUnreachable()})

	res, err := f.machine.Start(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunningOffline, res.State)
	assert.True(t, res.Entry.IsOffline())
	assert.Nil(t, f.server.ActiveEntry())
}

func TestAmbiguousStartAdoptsServerEntry(t *testing.T) {
	f := newFixture(t)
	f.server.FailNext(mock.OpStart, mock.Failure{Err: mock.ErrTimeout(), AfterApply: true})

	res, err := f.machine.Start(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunningConfirmed, res.State)

	active := f.server.ActiveEntry()
	require.NotNil(t, active)
	assert.Equal(t, active.ID, res.Entry.ID)
	assert.Len(t, f.server.Entries(), 1, "no duplicate entry")
}

func TestAmbiguousStartNotAppliedRunsOffline(t *testing.T) {
	f := newFixture(t)
	f.server.FailNext(mock.OpStart, mock.Failure{Err: mock.ErrTimeout()})

	res, err := f.machine.Start(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TimerRunningOffline, res.State)
	assert.Equal(t, 1, f.server.Calls(mock.OpActive), "a forced check decides the ambiguous start")
}

func TestRejectedStartIsRolledBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.Start(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, wterrors.IsBusinessError(err))
	assert.True(t, f.state(t).Slot.IsIdle())
}

func TestStopConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)

	res, err := f.machine.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimerIdle, res.State)
	assert.Equal(t, started.Entry.ID, res.Entry.ID)
	assert.NotNil(t, res.Entry.EndTime)

	st := f.state(t)
	assert.True(t, st.Slot.IsIdle())
	assert.Empty(t, st.Queue)
	assert.Nil(t, f.server.ActiveEntry())

	history, err := f.history.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, started.Entry.ID, history[0].ID)
}

func TestStopNetworkFailureQueuesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)

	f.server.FailNext(mock.OpStop, mock.Failure{Err: mock.ErrUnreachable()})
	res, err := f.machine.Stop(ctx)
	require.NoError(t, err, "network failures are not user-visible")
	assert.Equal(t, models.TimerStoppedPendingSync, res.State)

	st := f.state(t)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, started.Entry.ID, st.Queue[0].Entry.ID)
	assert.NotEmpty(t, st.Queue[0].Entry.OfflineID)
	assert.True(t, st.Slot.OfflineFlagged())
}

func TestAmbiguousStopCommittedOnServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)

	f.server.FailNext(mock.OpStop, mock.Failure{Err: mock.ErrTimeout(), AfterApply: true})
	res, err := f.machine.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimerIdle, res.State)

	st := f.state(t)
	assert.True(t, st.Slot.IsIdle())
	assert.Empty(t, st.Queue)
}

func TestAmbiguousStopWithFailedCheckIsUnconfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)

	f.server.FailNext(mock.OpStop, mock.Failure{Err: mock.ErrTimeout()})
	f.server.FailNext(mock.OpActive, mock.Failure{Err: mock.ErrUnreachable()})
	res, err := f.machine.Stop(ctx)
	require.ErrorIs(t, err, ErrStopUnconfirmed)
	assert.Equal(t, models.TimerStoppedPendingSync, res.State)
	assert.Len(t, f.state(t).Queue, 1)
}

func TestAmbiguousStopAdoptsTimerStartedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)

	f.server.FailNext(mock.OpStop, mock.Failure{Err: mock.ErrTimeout(), AfterApply: true})
	release := f.server.Gate(mock.OpStop)

	done := make(chan *StopResult, 1)
	go func() {
		res, err := f.machine.Stop(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return f.server.ActiveEntry() == nil }, time.Second, 5*time.Millisecond)
	other := f.server.StartDirect(2, time.Now())
	release()

	res := <-done
	assert.Equal(t, models.TimerRunningConfirmed, res.State)

	st := f.state(t)
	assert.Empty(t, st.Queue)
	assert.Equal(t, models.TimerRunningConfirmed, st.Slot.State)
	assert.Equal(t, other.ID, st.Slot.Entry.ID)
	assert.NotEqual(t, started.Entry.ID, st.Slot.Entry.ID)
}

func TestStopRejectedWhenStoppedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	f.server.StopDirect(time.Now())

	res, err := f.machine.Stop(ctx)
	require.NoError(t, err, "the re-check settled the stop")
	assert.Equal(t, models.TimerIdle, res.State)
	assert.False(t, res.Queued)

	st := f.state(t)
	assert.True(t, st.Slot.IsIdle(), "server wins after the forced re-check")
	assert.Empty(t, st.Queue)
}

func TestStopRejectedWithFailedCheckIsSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	f.server.StopDirect(time.Now())
	f.server.FailNext(mock.OpActive, mock.Failure{Err: mock.ErrUnreachable()})

	res, err := f.machine.Stop(ctx)
	require.Error(t, err)
	assert.True(t, wterrors.IsBusinessError(err))
	assert.Equal(t, models.TimerStoppedPendingSync, res.State)
	assert.Len(t, f.state(t).Queue, 1)
}

func TestStopWhileOfflineSkipsServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.machine.Start(ctx, 1)
	require.NoError(t, err)
	f.oracle.Set(false)

	res, err := f.machine.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimerStoppedPendingSync, res.State)
	assert.True(t, res.Queued)
	assert.Zero(t, f.server.Calls(mock.OpStop))
	assert.NotNil(t, f.server.ActiveEntry(), "the server is closed by the next sync")

	st := f.state(t)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, started.Entry.ID, st.Queue[0].Entry.ID)
	assert.NotNil(t, st.Queue[0].Entry.EndTime)
}

func TestCancelledStartIsRolledBack(t *testing.T) {
	f := newFixture(t)
	f.server.FailNext(mock.OpStart, mock.Failure{Err: fmt.Errorf("POST /worktime/start: cancelled: %w", context.Canceled)})

	_, err := f.machine.Start(context.Background(), 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.state(t).Slot.IsIdle(), "an aborted start leaves no timer behind")
	assert.Zero(t, f.server.Calls(mock.OpActive))
}

// hookedStore runs hook once, right before the nth write transaction
type hookedStore struct {
	interfaces.LocalStore
	mu     sync.Mutex
	writes int
	nth    int
	hook   func()
}

func (s *hookedStore) Update(fn func(tx interfaces.StoreTx) error) error {
	s.mu.Lock()
	s.writes++
	fire := s.writes == s.nth
	s.mu.Unlock()
	if fire {
		s.hook()
	}
	return s.LocalStore.Update(fn)
}

func TestStopBetweenStartResponseAndConfirmation(t *testing.T) {
	db, err := database.NewManager(&database.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Open())
	t.Cleanup(func() { db.Close() })

	server := mock.NewServer(7, nil)
	store := &hookedStore{LocalStore: db, nth: 2}
	repo := repositories.NewWorktimeRepository(store, nil)
	machine := NewMachine(repo, repositories.NewHistoryRepository(db), server, connectivity.NewStatic(true), nil,
		Options{UserID: 7, Timeout: time.Second}, nil)

	ctx := context.Background()
	stopped := make(chan *StopResult, 1)
	// the second write is the start confirmation; a stop issued now must
	// either cancel the start or see the confirmed timer
	store.hook = func() {
		go func() {
			res, err := machine.Stop(ctx)
			assert.NoError(t, err)
			stopped <- res
		}()
		time.Sleep(50 * time.Millisecond)
	}

	_, err = machine.Start(ctx, 1)
	require.NoError(t, err)

	var res *StopResult
	select {
	case res = <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not finish")
	}
	assert.Equal(t, models.TimerIdle, res.State)
	assert.False(t, res.Queued)

	st, err := repo.Snapshot()
	require.NoError(t, err)
	assert.True(t, st.Slot.IsIdle())
	assert.Empty(t, st.Queue, "nothing is left for sync to upload twice")
	assert.Nil(t, server.ActiveEntry(), "no server timer outlives the stop")

	entries := server.Entries()
	require.Len(t, entries, 1)
	assert.NotNil(t, entries[0].EndTime)
}

func TestStopWhileStartIsConfirming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := f.server.Gate(mock.OpStart)

	done := make(chan *StartResult, 1)
	go func() {
		res, err := f.machine.Start(ctx, 1)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		slot, err := f.machine.Current()
		return err == nil && slot.State == models.TimerRunningLocalOnly && f.server.ActiveEntry() != nil
	}, time.Second, 5*time.Millisecond)

	stop, err := f.machine.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TimerIdle, stop.State)
	stoppedAt := *stop.Entry.EndTime

	release()
	res := <-done
	assert.True(t, res.Cancelled)
	assert.Equal(t, models.TimerIdle, res.State)

	st := f.state(t)
	assert.True(t, st.Slot.IsIdle())
	assert.Empty(t, st.Queue)
	assert.Nil(t, f.server.ActiveEntry(), "the late start was compensated")

	entries := f.server.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].EndTime)
	assert.True(t, entries[0].EndTime.Equal(stoppedAt.UTC()))
}

func TestStopWhileConfirmingQueuesFailedCompensation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := f.server.Gate(mock.OpStart)
	f.server.FailNext(mock.OpStop, mock.Failure{Err: mock.ErrUnreachable()})

	done := make(chan *StartResult, 1)
	go func() {
		res, _ := f.machine.Start(ctx, 1)
		done <- res
	}()

	require.Eventually(t, func() bool {
		slot, err := f.machine.Current()
		return err == nil && slot.State == models.TimerRunningLocalOnly && f.server.ActiveEntry() != nil
	}, time.Second, 5*time.Millisecond)

	_, err := f.machine.Stop(ctx)
	require.NoError(t, err)
	release()
	<-done

	st := f.state(t)
	assert.True(t, st.Slot.IsIdle())
	require.Len(t, st.Queue, 1)
	assert.True(t, st.Queue[0].Entry.HasServerID(), "compensating stop carries the server id")
	assert.NotNil(t, st.Queue[0].Entry.EndTime)
}

func TestApplyRemotePrecedence(t *testing.T) {
	active := &models.ActiveStatus{Active: true, ID: 50, StartTime: time.Now().Add(-time.Hour), BranchID: 2, UserID: 7}
	inactive := &models.ActiveStatus{Active: false}

	t.Run("idle adopts server timer", func(t *testing.T) {
		f := newFixture(t)
		seq := f.machine.Sequencer().Next()
		applied, err := f.machine.ApplyRemote(seq, active)
		require.NoError(t, err)
		assert.True(t, applied)
		st := f.state(t)
		assert.Equal(t, models.TimerRunningConfirmed, st.Slot.State)
		assert.Equal(t, int64(50), st.Slot.Entry.ID)
	})

	t.Run("server stop clears confirmed timer", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.machine.Start(context.Background(), 1)
		require.NoError(t, err)
		applied, err := f.machine.ApplyRemote(f.machine.Sequencer().Next(), inactive)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.True(t, f.state(t).Slot.IsIdle())
	})

	t.Run("offline timer wins", func(t *testing.T) {
		f := newFixture(t)
		f.oracle.Set(false)
		_, err := f.machine.Start(context.Background(), 1)
		require.NoError(t, err)
		for _, status := range []*models.ActiveStatus{active, inactive} {
			applied, err := f.machine.ApplyRemote(f.machine.Sequencer().Next(), status)
			require.NoError(t, err)
			assert.False(t, applied)
		}
		assert.Equal(t, models.TimerRunningOffline, f.state(t).Slot.State)
	})

	t.Run("stale answer is discarded", func(t *testing.T) {
		f := newFixture(t)
		stale := f.machine.Sequencer().Next()
		_, err := f.machine.Start(context.Background(), 1)
		require.NoError(t, err)
		applied, err := f.machine.ApplyRemote(stale, inactive)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, models.TimerRunningConfirmed, f.state(t).Slot.State)
	})

	t.Run("orphaned local start becomes offline work", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.repo.Mutate(func(st *models.LocalState) error {
			st.Slot = &models.TimerSlot{State: models.TimerRunningLocalOnly, Entry: models.NewLocalEntry(7, 1, time.Now()), Attempt: 99}
			return nil
		}))
		applied, err := f.machine.ApplyRemote(f.machine.Sequencer().Next(), inactive)
		require.NoError(t, err)
		assert.True(t, applied)
		slot := f.state(t).Slot
		assert.Equal(t, models.TimerRunningOffline, slot.State)
		assert.True(t, slot.Entry.IsOffline())
	})
}

func TestAtMostOneRunningEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.machine.Start(ctx, 1)
		require.NoError(t, err)
		f.oracle.Set(i%2 == 0)
	}

	active := 0
	for _, e := range f.server.Entries() {
		if e.Active() {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1)
	assert.True(t, f.state(t).Slot.State.Running())
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	assert.Equal(t, uint64(1), s.Next())
	assert.Equal(t, uint64(2), s.Next())
	assert.Equal(t, uint64(2), s.Current())
}
