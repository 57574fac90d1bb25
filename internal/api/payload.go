package api

import (
	"fmt"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/pkg/models"
)

type entryPayload struct {
	ID        int64   `json:"id"`
	StartTime string  `json:"startTime"`
	EndTime   *string `json:"endTime"`
	BranchID  int64   `json:"branchId"`
	UserID    int64   `json:"userId"`
}

func (p *entryPayload) toModel() (*models.WorkTimeEntry, error) {
	if p.ID <= 0 {
		return nil, fmt.Errorf("entry without id")
	}
	start, err := time.Parse(time.RFC3339Nano, p.StartTime)
	if err != nil {
		return nil, fmt.Errorf("entry %d: invalid start time: %w", p.ID, err)
	}
	entry := &models.WorkTimeEntry{
		ID:        p.ID,
		StartTime: start,
		BranchID:  p.BranchID,
		UserID:    p.UserID,
		Synced:    true,
	}
	if p.EndTime != nil && *p.EndTime != "" {
		end, err := time.Parse(time.RFC3339Nano, *p.EndTime)
		if err != nil {
			return nil, fmt.Errorf("entry %d: invalid end time: %w", p.ID, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("entry %d ends before it starts", p.ID)
		}
		entry.EndTime = &end
	}
	return entry, nil
}

type activePayload struct {
	Active    bool   `json:"active"`
	ID        int64  `json:"id"`
	StartTime string `json:"startTime"`
	BranchID  int64  `json:"branchId"`
	UserID    int64  `json:"userId"`
}

func (p *activePayload) toModel() (*models.ActiveStatus, error) {
	if !p.Active {
		return &models.ActiveStatus{Active: false}, nil
	}
	start, err := time.Parse(time.RFC3339Nano, p.StartTime)
	if err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	status := &models.ActiveStatus{
		Active:    true,
		ID:        p.ID,
		StartTime: start,
		BranchID:  p.BranchID,
		UserID:    p.UserID,
	}
	if err := status.Validate(); err != nil {
		return nil, err
	}
	return status, nil
}

type loginPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

func (p *loginPayload) toCredentials() (*interfaces.Credentials, error) {
	if p.Token == "" {
		return nil, malformed("login", fmt.Errorf("no token issued"))
	}
	return &interfaces.Credentials{
		Token:        p.Token,
		RefreshToken: p.RefreshToken,
		UserID:       p.User.ID,
		Username:     p.User.Username,
		IssuedAt:     time.Now(),
	}, nil
}
