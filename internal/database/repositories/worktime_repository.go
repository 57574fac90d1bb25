// Package repositories maps worktime models onto the local store keys
package repositories

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

const (
	// KeyCurrentTimer holds the timer slot
	KeyCurrentTimer = "currentTimer"

	// KeyOfflineQueue holds the ordered offline queue
	KeyOfflineQueue = "offlineWorktimeQueue"

	// KeyQuarantinePrefix prefixes copies of queue payloads that failed to decode
	KeyQuarantinePrefix = KeyOfflineQueue + ".corrupt."
)

// WorktimeRepository reads and writes the timer slot and the offline queue
// together so that both change in one transaction
type WorktimeRepository struct {
	store  interfaces.LocalStore
	logger *zap.Logger
}

// NewWorktimeRepository creates a new worktime repository
func NewWorktimeRepository(store interfaces.LocalStore, logger *zap.Logger) *WorktimeRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorktimeRepository{store: store, logger: logger}
}

// Snapshot reads the slot and the queue in one read transaction
func (r *WorktimeRepository) Snapshot() (*models.LocalState, error) {
	var state *models.LocalState
	err := r.store.View(func(tx interfaces.StoreTx) error {
		state = &models.LocalState{
			Slot:  r.decodeSlot(tx.Get(KeyCurrentTimer)),
			Queue: r.decodeQueue(tx.Get(KeyOfflineQueue)),
		}
		return nil
	})
	if err != nil {
		return nil, wterrors.NewStorageError("failed to read local state", err)
	}
	return state, nil
}

// Mutate applies fn to the current state and persists the result atomically.
// If fn returns an error nothing is written.
func (r *WorktimeRepository) Mutate(fn func(state *models.LocalState) error) error {
	var fnErr error
	err := r.store.Update(func(tx interfaces.StoreTx) error {
		rawQueue := tx.Get(KeyOfflineQueue)
		queue, ok := r.tryDecodeQueue(rawQueue)
		if !ok {
			key := fmt.Sprintf("%s%d", KeyQuarantinePrefix, time.Now().UnixNano())
			if err := tx.Put(key, rawQueue); err != nil {
				return fmt.Errorf("failed to quarantine offline queue: %w", err)
			}
			r.logger.Warn("Offline queue is unreadable, moved aside", zap.String("key", key))
		}

		state := &models.LocalState{
			Slot:  r.decodeSlot(tx.Get(KeyCurrentTimer)),
			Queue: queue,
		}

		if fnErr = fn(state); fnErr != nil {
			return fnErr
		}

		if state.Slot == nil {
			state.Slot = models.IdleSlot()
		}
		if !state.Slot.Consistent() {
			return wterrors.NewValidationError("refusing to persist inconsistent timer slot", nil).
				WithContext("state", string(state.Slot.State))
		}
		state.Slot.UpdatedAt = time.Now()

		slotData, err := json.Marshal(state.Slot)
		if err != nil {
			return fmt.Errorf("failed to marshal timer slot: %w", err)
		}
		if state.Queue == nil {
			state.Queue = []*models.QueuedEntry{}
		}
		queueData, err := json.Marshal(state.Queue)
		if err != nil {
			return fmt.Errorf("failed to marshal offline queue: %w", err)
		}

		if err := tx.Put(KeyCurrentTimer, slotData); err != nil {
			return err
		}
		return tx.Put(KeyOfflineQueue, queueData)
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	if _, ok := wterrors.As(err); ok {
		return err
	}
	return wterrors.NewStorageError("failed to write local state", err)
}

// Quarantined lists the keys holding unreadable queue payloads
func (r *WorktimeRepository) Quarantined() ([]string, error) {
	var keys []string
	err := r.store.View(func(tx interfaces.StoreTx) error {
		keys = tx.Keys(KeyQuarantinePrefix)
		return nil
	})
	return keys, err
}

func (r *WorktimeRepository) decodeSlot(data []byte) *models.TimerSlot {
	if len(data) == 0 {
		return models.IdleSlot()
	}
	var slot models.TimerSlot
	if err := json.Unmarshal(data, &slot); err != nil {
		r.logger.Warn("Timer slot is unreadable, treating as idle", zap.Error(err))
		return models.IdleSlot()
	}
	if !slot.Consistent() {
		r.logger.Warn("Timer slot is inconsistent, treating as idle", zap.String("state", string(slot.State)))
		return models.IdleSlot()
	}
	return &slot
}

func (r *WorktimeRepository) decodeQueue(data []byte) []*models.QueuedEntry {
	queue, ok := r.tryDecodeQueue(data)
	if !ok {
		r.logger.Warn("Offline queue is unreadable, treating as empty until next write")
	}
	return queue
}

func (r *WorktimeRepository) tryDecodeQueue(data []byte) ([]*models.QueuedEntry, bool) {
	if len(data) == 0 {
		return nil, true
	}
	var queue []*models.QueuedEntry
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, false
	}
	kept := queue[:0]
	for _, q := range queue {
		if q != nil {
			kept = append(kept, q)
		}
	}
	return kept, true
}
