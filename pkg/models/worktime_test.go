package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkTimeEntryClose(t *testing.T) {
	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	entry := NewLocalEntry(7, 1, start)

	assert.True(t, entry.Active())
	assert.False(t, entry.Synced)

	require.Error(t, entry.Close(start.Add(-time.Minute)), "end before start must be rejected")
	assert.True(t, entry.Active())

	require.NoError(t, entry.Close(start.Add(90*time.Minute)))
	assert.False(t, entry.Active())
	assert.Equal(t, 90*time.Minute, entry.Duration(time.Now()))

	// an end time is never rewritten
	err := entry.Close(start.Add(3 * time.Hour))
	require.Error(t, err)
	assert.Equal(t, start.Add(90*time.Minute), *entry.EndTime)
}

func TestWorkTimeEntryValidate(t *testing.T) {
	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	tests := []struct {
		name    string
		entry   WorkTimeEntry
		wantErr bool
	}{
		{"valid running", WorkTimeEntry{StartTime: start, BranchID: 1, UserID: 2}, false},
		{"missing start", WorkTimeEntry{BranchID: 1, UserID: 2}, true},
		{"missing branch", WorkTimeEntry{StartTime: start, UserID: 2}, true},
		{"missing user", WorkTimeEntry{StartTime: start, BranchID: 1}, true},
		{"end before start", WorkTimeEntry{StartTime: start, EndTime: &end, BranchID: 1, UserID: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarkOfflineKeepsExistingID(t *testing.T) {
	entry := NewLocalEntry(1, 1, time.Now())
	first := entry.MarkOffline()
	require.NotEmpty(t, first)
	assert.Equal(t, first, entry.MarkOffline())
	assert.True(t, entry.IsOffline())
}

func TestCloneIsDeep(t *testing.T) {
	entry := NewLocalEntry(1, 1, time.Now())
	require.NoError(t, entry.Close(time.Now().Add(time.Minute)))

	c := entry.Clone()
	*c.EndTime = c.EndTime.Add(time.Hour)
	assert.NotEqual(t, *entry.EndTime, *c.EndTime)
}

func TestActiveStatusValidate(t *testing.T) {
	assert.NoError(t, (&ActiveStatus{Active: false}).Validate())
	assert.Error(t, (&ActiveStatus{Active: true, StartTime: time.Now()}).Validate())
	assert.Error(t, (&ActiveStatus{Active: true, ID: 4}).Validate())

	status := &ActiveStatus{Active: true, ID: 42, StartTime: time.Now(), BranchID: 3}
	require.NoError(t, status.Validate())
	entry := status.Entry()
	assert.Equal(t, int64(42), entry.ID)
	assert.True(t, entry.Synced)
	assert.True(t, entry.Active())
}

func TestLocalStateQueue(t *testing.T) {
	st := &LocalState{Slot: IdleSlot()}
	now := time.Now()

	a := NewLocalEntry(1, 1, now.Add(-2*time.Hour))
	a.MarkOffline()
	require.NoError(t, a.Close(now.Add(-time.Hour)))
	b := NewLocalEntry(1, 1, now.Add(-time.Hour))
	b.ID = 99
	b.MarkOffline()
	require.NoError(t, b.Close(now))

	st.Enqueue(a, now)
	st.Enqueue(b, now)
	require.Len(t, st.Queue, 2)

	assert.NotNil(t, st.FindQueued(a.OfflineID))
	assert.True(t, st.QueuedServerID(99))
	assert.False(t, st.QueuedServerID(0))

	removed := st.RemoveQueued(a.OfflineID, "unknown")
	require.Len(t, removed, 1)
	assert.Equal(t, a.OfflineID, removed[0].Entry.OfflineID)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, b.OfflineID, st.Queue[0].Entry.OfflineID)
}

func TestTimerSlotConsistent(t *testing.T) {
	running := NewLocalEntry(1, 1, time.Now())
	stopped := running.Clone()
	require.NoError(t, stopped.Close(time.Now().Add(time.Minute)))

	assert.True(t, IdleSlot().Consistent())
	assert.True(t, (&TimerSlot{State: TimerRunningLocalOnly, Entry: running}).Consistent())
	assert.False(t, (&TimerSlot{State: TimerRunningConfirmed}).Consistent())
	assert.False(t, (&TimerSlot{State: TimerRunningConfirmed, Entry: stopped}).Consistent())
	assert.False(t, (&TimerSlot{State: TimerStoppedPendingSync, Entry: stopped}).Consistent(), "pending sync needs an offline id")

	stopped.MarkOffline()
	slot := &TimerSlot{State: TimerStoppedPendingSync, Entry: stopped}
	assert.True(t, slot.Consistent())
	assert.True(t, slot.OfflineFlagged())
	assert.False(t, (&TimerSlot{State: "bogus"}).Consistent())
}
