package interfaces

import (
	"context"
	"time"

	"github.com/intranet/worktime/pkg/models"
)

// WorktimeAPI is the server contract consumed by the timer engine
type WorktimeAPI interface {
	// Start creates a new active entry on the server
	Start(ctx context.Context, req StartRequest) (*models.WorkTimeEntry, error)

	// Stop closes the currently active entry on the server
	Stop(ctx context.Context, req StopRequest) (*models.WorkTimeEntry, error)

	// Active returns the server-side timer status of the authenticated user
	Active(ctx context.Context) (*models.ActiveStatus, error)

	// Sync uploads offline entries; the server deduplicates by offline ID
	Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error)

	// History lists the user's entries
	History(ctx context.Context, query HistoryQuery) ([]*models.WorkTimeEntry, error)
}

// BranchLister lists the work locations known to the server
type BranchLister interface {
	Branches(ctx context.Context) ([]models.Branch, error)
}

// StartRequest is the payload of POST /worktime/start
type StartRequest struct {
	BranchID  int64     `json:"branchId"`
	StartTime time.Time `json:"startTime"`
}

// StopRequest is the payload of POST /worktime/stop
type StopRequest struct {
	ID      int64     `json:"id,omitempty"`
	EndTime time.Time `json:"endTime"`
}

// WireEntry is an entry as sent to the server, without device-only fields
type WireEntry struct {
	ID        int64   `json:"id,omitempty"`
	StartTime string  `json:"startTime"`
	EndTime   *string `json:"endTime"`
	BranchID  int64   `json:"branchId"`
	UserID    int64   `json:"userId,omitempty"`
}

// SyncItem pairs a wire entry with its idempotency key
type SyncItem struct {
	OfflineID string    `json:"offlineId"`
	Entry     WireEntry `json:"entry"`
}

// SyncRequest is the payload of POST /worktime/sync
type SyncRequest struct {
	Entries []SyncItem `json:"entries"`
}

// SyncItemResult is the server verdict for one offline entry
type SyncItemResult struct {
	OfflineID string `json:"offlineId"`
	Success   bool   `json:"success"`
	ServerID  int64  `json:"serverId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SyncResponse is the answer of POST /worktime/sync
type SyncResponse struct {
	Results []SyncItemResult `json:"results"`
}

// HistoryQuery filters the entry history
type HistoryQuery struct {
	Since time.Time
	Limit int
}
