package models

import (
	"time"
)

// TimerState is the state of the timer slot
type TimerState string

const (
	// TimerIdle means no timer is running
	TimerIdle TimerState = "idle"

	// TimerRunningLocalOnly means a start was written locally and awaits the server
	TimerRunningLocalOnly TimerState = "running_local_only"

	// TimerRunningOffline means the timer was started while the server was unreachable
	TimerRunningOffline TimerState = "running_offline"

	// TimerRunningConfirmed means the server acknowledged the running timer
	TimerRunningConfirmed TimerState = "running_confirmed"

	// TimerStoppedPendingSync means the timer was stopped but the server has not acknowledged it
	TimerStoppedPendingSync TimerState = "stopped_pending_sync"
)

// Running reports whether the state represents a running timer
func (s TimerState) Running() bool {
	switch s {
	case TimerRunningLocalOnly, TimerRunningOffline, TimerRunningConfirmed:
		return true
	}
	return false
}

// Valid reports whether s is a known state
func (s TimerState) Valid() bool {
	switch s {
	case TimerIdle, TimerRunningLocalOnly, TimerRunningOffline, TimerRunningConfirmed, TimerStoppedPendingSync:
		return true
	}
	return false
}

// TimerSlot is the single-valued register holding the in-progress entry
type TimerSlot struct {
	State TimerState     `json:"state"`
	Entry *WorkTimeEntry `json:"entry,omitempty"`

	// Attempt identifies the start attempt that produced the slot
	Attempt   uint64    `json:"attempt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IdleSlot returns an empty slot
func IdleSlot() *TimerSlot {
	return &TimerSlot{State: TimerIdle, UpdatedAt: time.Now()}
}

// IsIdle reports whether the slot is empty
func (s *TimerSlot) IsIdle() bool {
	return s == nil || s.State == TimerIdle || s.Entry == nil
}

// OfflineFlagged reports whether the slot holds an entry the server cannot know about
func (s *TimerSlot) OfflineFlagged() bool {
	if s.IsIdle() {
		return false
	}
	return s.State == TimerRunningOffline || s.State == TimerStoppedPendingSync || s.Entry.IsOffline()
}

// Clone returns a deep copy of the slot
func (s *TimerSlot) Clone() *TimerSlot {
	if s == nil {
		return nil
	}
	c := *s
	c.Entry = s.Entry.Clone()
	return &c
}

// Consistent checks the slot against the state/entry invariants
func (s *TimerSlot) Consistent() bool {
	if !s.State.Valid() {
		return false
	}
	if s.State == TimerIdle {
		return s.Entry == nil
	}
	if s.Entry == nil || s.Entry.StartTime.IsZero() {
		return false
	}
	if s.State.Running() {
		return s.Entry.Active()
	}
	// stopped pending sync
	return !s.Entry.Active() && s.Entry.IsOffline()
}

// LocalState is the durable state mutated as one logical operation
type LocalState struct {
	Slot  *TimerSlot     `json:"slot"`
	Queue []*QueuedEntry `json:"queue"`
}

// FindQueued returns the queued element with the given offline ID
func (s *LocalState) FindQueued(offlineID string) *QueuedEntry {
	for _, q := range s.Queue {
		if q.Entry.OfflineID == offlineID {
			return q
		}
	}
	return nil
}

// Enqueue appends a completed entry to the offline queue
func (s *LocalState) Enqueue(entry *WorkTimeEntry, now time.Time) {
	s.Queue = append(s.Queue, &QueuedEntry{
		Entry:    *entry.Clone(),
		QueuedAt: now,
	})
}

// RemoveQueued drops the queued elements whose offline IDs are listed and
// returns the removed entries
func (s *LocalState) RemoveQueued(offlineIDs ...string) []*QueuedEntry {
	drop := make(map[string]bool, len(offlineIDs))
	for _, id := range offlineIDs {
		drop[id] = true
	}
	var removed []*QueuedEntry
	kept := s.Queue[:0]
	for _, q := range s.Queue {
		if drop[q.Entry.OfflineID] {
			removed = append(removed, q)
			continue
		}
		kept = append(kept, q)
	}
	s.Queue = kept
	return removed
}

// QueuedServerID reports whether a queued entry carries the given server ID
func (s *LocalState) QueuedServerID(id int64) bool {
	if id <= 0 {
		return false
	}
	for _, q := range s.Queue {
		if q.Entry.ID == id {
			return true
		}
	}
	return false
}

// SyncResult reports the outcome of draining the offline queue
type SyncResult struct {
	Succeeded      []string         `json:"succeeded"`
	Failed         []string         `json:"failed"`
	ServerIDs      map[string]int64 `json:"serverIds,omitempty"`
	TransportError string           `json:"transportError,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	FinishedAt     time.Time        `json:"finishedAt"`
}

// SyncMetadata is persisted after each sync attempt
type SyncMetadata struct {
	LastAttempt     time.Time `json:"lastAttempt"`
	LastSuccess     time.Time `json:"lastSuccess,omitempty"`
	LastSucceeded   int       `json:"lastSucceeded"`
	LastFailed      int       `json:"lastFailed"`
	LastError       string    `json:"lastError,omitempty"`
	TotalSynced     int64     `json:"totalSynced"`
	ConsecutiveFail int       `json:"consecutiveFail"`
}
