package repositories

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
)

const (
	// KeyHistory holds the cached server history
	KeyHistory = "worktimeHistory"

	// KeyBranches holds the cached branch list
	KeyBranches = "branchDirectory"

	// KeySyncMetadata holds the outcome of the last sync
	KeySyncMetadata = "syncMetadata"

	// MaxHistoryEntries bounds the cached history
	MaxHistoryEntries = 500
)

// BranchCache is the persisted branch list
type BranchCache struct {
	Branches  []models.Branch `json:"branches"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// HistoryRepository manages cached server data and sync metadata
type HistoryRepository struct {
	store interfaces.LocalStore
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(store interfaces.LocalStore) *HistoryRepository {
	return &HistoryRepository{store: store}
}

// History returns the cached entries, newest first
func (r *HistoryRepository) History() ([]*models.WorkTimeEntry, error) {
	var entries []*models.WorkTimeEntry
	err := r.store.View(func(tx interfaces.StoreTx) error {
		return decodeInto(tx.Get(KeyHistory), &entries)
	})
	if err != nil {
		return nil, wterrors.NewStorageError("failed to read history", err)
	}
	return entries, nil
}

// ReplaceHistory stores a fresh server listing
func (r *HistoryRepository) ReplaceHistory(entries []*models.WorkTimeEntry) error {
	return r.store.Update(func(tx interfaces.StoreTx) error {
		return putJSON(tx, KeyHistory, normalizeHistory(entries))
	})
}

// AppendHistory merges entries into the cache. Entries are matched by server
// ID, falling back to offline ID.
func (r *HistoryRepository) AppendHistory(entries ...*models.WorkTimeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.store.Update(func(tx interfaces.StoreTx) error {
		var current []*models.WorkTimeEntry
		if err := decodeInto(tx.Get(KeyHistory), &current); err != nil {
			current = nil
		}
		for _, e := range entries {
			current = upsertEntry(current, e.Clone())
		}
		return putJSON(tx, KeyHistory, normalizeHistory(current))
	})
}

// Branches returns the cached branch list, or nil if none was stored
func (r *HistoryRepository) Branches() (*BranchCache, error) {
	var cache *BranchCache
	err := r.store.View(func(tx interfaces.StoreTx) error {
		data := tx.Get(KeyBranches)
		if data == nil {
			return nil
		}
		cache = &BranchCache{}
		return json.Unmarshal(data, cache)
	})
	if err != nil {
		return nil, wterrors.NewStorageError("failed to read branch cache", err)
	}
	return cache, nil
}

// SaveBranches stores the branch list
func (r *HistoryRepository) SaveBranches(branches []models.Branch, fetchedAt time.Time) error {
	return r.store.Update(func(tx interfaces.StoreTx) error {
		return putJSON(tx, KeyBranches, &BranchCache{Branches: branches, FetchedAt: fetchedAt})
	})
}

// SyncMetadata returns the persisted sync metadata
func (r *HistoryRepository) SyncMetadata() (*models.SyncMetadata, error) {
	meta := &models.SyncMetadata{}
	err := r.store.View(func(tx interfaces.StoreTx) error {
		return decodeInto(tx.Get(KeySyncMetadata), meta)
	})
	if err != nil {
		return nil, wterrors.NewStorageError("failed to read sync metadata", err)
	}
	return meta, nil
}

// SaveSyncMetadata persists the sync metadata
func (r *HistoryRepository) SaveSyncMetadata(meta *models.SyncMetadata) error {
	return r.store.Update(func(tx interfaces.StoreTx) error {
		return putJSON(tx, KeySyncMetadata, meta)
	})
}

func upsertEntry(list []*models.WorkTimeEntry, e *models.WorkTimeEntry) []*models.WorkTimeEntry {
	for i, cur := range list {
		if (e.HasServerID() && cur.ID == e.ID) || (e.IsOffline() && cur.OfflineID == e.OfflineID) {
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

func normalizeHistory(entries []*models.WorkTimeEntry) []*models.WorkTimeEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartTime.After(entries[j].StartTime)
	})
	if len(entries) > MaxHistoryEntries {
		entries = entries[:MaxHistoryEntries]
	}
	return entries
}

func decodeInto(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func putJSON(tx interfaces.StoreTx, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(key, data)
}
