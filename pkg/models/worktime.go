// Package models defines the data structures used throughout worktime
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	wterrors "github.com/intranet/worktime/pkg/errors"
)

// WorkTimeEntry is the unit of work-time tracking
type WorkTimeEntry struct {
	// ID is assigned by the server; zero until the server has created the entry
	ID int64 `json:"id,omitempty"`

	// OfflineID is minted on the device and used as idempotency key during sync
	OfflineID string `json:"offlineId,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	BranchID int64 `json:"branchId"`
	UserID   int64 `json:"userId"`

	Synced bool `json:"synced"`
}

// NewLocalEntry creates an in-memory entry for a timer started on this device
func NewLocalEntry(userID, branchID int64, start time.Time) *WorkTimeEntry {
	return &WorkTimeEntry{
		StartTime: start.Round(0),
		BranchID:  branchID,
		UserID:    userID,
		Synced:    false,
	}
}

// Active reports whether the entry represents a running timer
func (e *WorkTimeEntry) Active() bool {
	return e.EndTime == nil
}

// IsOffline reports whether the entry carries a client-generated idempotency key
func (e *WorkTimeEntry) IsOffline() bool {
	return e.OfflineID != ""
}

// HasServerID reports whether the server already knows the entry
func (e *WorkTimeEntry) HasServerID() bool {
	return e.ID > 0
}

// MarkOffline mints an offline ID if the entry has none yet
func (e *WorkTimeEntry) MarkOffline() string {
	if e.OfflineID == "" {
		e.OfflineID = NewOfflineID()
	}
	e.Synced = false
	return e.OfflineID
}

// Close sets the end time. An end time, once set, is never rewritten.
func (e *WorkTimeEntry) Close(at time.Time) error {
	if e.EndTime != nil {
		return wterrors.NewValidationError("entry already stopped", nil).
			WithContext("end_time", e.EndTime.Format(time.RFC3339))
	}
	at = at.Round(0)
	if at.Before(e.StartTime) {
		return wterrors.NewValidationError(
			fmt.Sprintf("end time %s is before start time %s", at.Format(time.RFC3339), e.StartTime.Format(time.RFC3339)), nil)
	}
	e.EndTime = &at
	return nil
}

// Validate checks the required fields and ordering invariants
func (e *WorkTimeEntry) Validate() error {
	if e.StartTime.IsZero() {
		return wterrors.NewValidationError("start time is required", nil)
	}
	if e.BranchID <= 0 {
		return wterrors.NewValidationError("branch is required", nil)
	}
	if e.UserID <= 0 {
		return wterrors.NewValidationError("user is required", nil)
	}
	if e.EndTime != nil && e.EndTime.Before(e.StartTime) {
		return wterrors.NewValidationError("end time is before start time", nil)
	}
	return nil
}

// Clone returns a deep copy of the entry
func (e *WorkTimeEntry) Clone() *WorkTimeEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.EndTime != nil {
		end := *e.EndTime
		c.EndTime = &end
	}
	return &c
}

// Duration returns the tracked duration, using now for running entries
func (e *WorkTimeEntry) Duration(now time.Time) time.Duration {
	end := now
	if e.EndTime != nil {
		end = *e.EndTime
	}
	if end.Before(e.StartTime) {
		return 0
	}
	return end.Sub(e.StartTime)
}

// NewOfflineID generates a new idempotency key
func NewOfflineID() string {
	return uuid.NewString()
}

// QueuedEntry is an element of the offline queue
type QueuedEntry struct {
	Entry     WorkTimeEntry `json:"entry"`
	QueuedAt  time.Time     `json:"queuedAt"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError,omitempty"`
}

// ActiveStatus is the server's view of the user's running timer
type ActiveStatus struct {
	Active    bool      `json:"active"`
	ID        int64     `json:"id,omitempty"`
	StartTime time.Time `json:"startTime,omitempty"`
	BranchID  int64     `json:"branchId,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
}

// Validate rejects active answers without an identity
func (s *ActiveStatus) Validate() error {
	if !s.Active {
		return nil
	}
	if s.ID <= 0 {
		return wterrors.NewValidationError("active status without id", nil)
	}
	if s.StartTime.IsZero() {
		return wterrors.NewValidationError("active status without start time", nil)
	}
	return nil
}

// Entry converts an active status into a confirmed running entry
func (s *ActiveStatus) Entry() *WorkTimeEntry {
	return &WorkTimeEntry{
		ID:        s.ID,
		StartTime: s.StartTime,
		BranchID:  s.BranchID,
		UserID:    s.UserID,
		Synced:    true,
	}
}

// Branch is a work location
type Branch struct {
	ID       int64  `json:"id" mapstructure:"id" yaml:"id"`
	Name     string `json:"name" mapstructure:"name" yaml:"name"`
	IsActive bool   `json:"isActive" mapstructure:"active" yaml:"active"`
}
