// Package sync uploads the offline queue to the worktime server
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database/repositories"
	"github.com/intranet/worktime/internal/timezone"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

// EngineConfig holds configuration for the sync engine
type EngineConfig struct {
	// BatchSize caps the entries sent in one request
	BatchSize int `json:"batch_size"`
	// QueueWarn is the queue length above which a warning is logged
	QueueWarn int `json:"queue_warn"`
	// Timeout bounds each sync request
	Timeout time.Duration `json:"timeout"`
}

// DefaultEngineConfig returns the default configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		BatchSize: 100,
		QueueWarn: 50,
		Timeout:   10 * time.Second,
	}
}

// SyncMetrics tracks sync totals
type SyncMetrics struct {
	mu sync.RWMutex

	TotalSyncs      int64
	SuccessfulSyncs int64
	FailedSyncs     int64
	TotalEntries    int64
	FailedEntries   int64

	LastSyncDuration time.Duration
	LastSyncTime     time.Time
	StartTime        time.Time
}

// Engine drains the offline queue
type Engine struct {
	repo    *repositories.WorktimeRepository
	history *repositories.HistoryRepository
	api     interfaces.WorktimeAPI
	tz      *timezone.Normalizer
	config  *EngineConfig
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	current *flight

	metrics *SyncMetrics
}

// flight is one running sync shared by concurrent callers
type flight struct {
	done   chan struct{}
	result *models.SyncResult
	err    error
}

// NewEngine creates a new sync engine
func NewEngine(
	repo *repositories.WorktimeRepository,
	history *repositories.HistoryRepository,
	api interfaces.WorktimeAPI,
	tz *timezone.Normalizer,
	config *EngineConfig,
	logger *zap.Logger,
) (*Engine, error) {
	if repo == nil || api == nil {
		return nil, wterrors.NewValidationError("missing required components", nil)
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultEngineConfig().BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultEngineConfig().Timeout
	}
	if tz == nil {
		tz = timezone.MustNew("UTC")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		repo:    repo,
		history: history,
		api:     api,
		tz:      tz,
		config:  config,
		logger:  logger,
		now:     time.Now,
		metrics: &SyncMetrics{StartTime: time.Now()},
	}, nil
}

// Pending returns the number of queued entries
func (e *Engine) Pending() (int, error) {
	state, err := e.repo.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(state.Queue), nil
}

// Sync submits the queued entries. Only entries the server acknowledged are
// removed. A transport failure makes no progress and is not returned as an
// error; the ids are reported failed instead. Concurrent calls share one run.
func (e *Engine) Sync(ctx context.Context) (*models.SyncResult, error) {
	e.mu.Lock()
	if f := e.current; f != nil {
		e.mu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	e.current = f
	e.mu.Unlock()

	f.result, f.err = e.run(ctx)

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
	close(f.done)

	return f.result, f.err
}

func (e *Engine) run(ctx context.Context) (*models.SyncResult, error) {
	result := &models.SyncResult{
		StartedAt: e.now(),
		ServerIDs: make(map[string]int64),
	}

	state, err := e.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	queue := state.Queue
	if len(queue) == 0 {
		result.FinishedAt = e.now()
		return result, nil
	}

	if e.config.QueueWarn > 0 && len(queue) > e.config.QueueWarn {
		e.logger.Warn("Offline queue is growing",
			zap.Int("queued", len(queue)),
			zap.Int("threshold", e.config.QueueWarn))
	}

	e.logger.Info("Starting sync", zap.Int("queued", len(queue)))

	var fatal error
	for start := 0; start < len(queue); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[start:end]

		if result.TransportError != "" || fatal != nil {
			e.recordFailures(result, batch, result.TransportError)
			continue
		}

		err := e.syncBatch(ctx, batch, result)
		if err == nil {
			continue
		}
		if wterrors.IsNetworkError(err) || errors.Is(err, context.Canceled) {
			e.logger.Warn("Sync transport failed", zap.Error(err))
		} else {
			e.logger.Error("Sync rejected", zap.Error(err))
			fatal = err
		}
		result.TransportError = err.Error()
		e.recordFailures(result, batch, result.TransportError)
	}

	result.FinishedAt = e.now()
	e.saveMetadata(result)
	e.recordMetrics(result)

	e.logger.Info("Sync finished",
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))

	return result, fatal
}

// syncBatch submits one batch and applies the per-entry verdicts
func (e *Engine) syncBatch(ctx context.Context, batch []*models.QueuedEntry, result *models.SyncResult) error {
	req := interfaces.SyncRequest{Entries: make([]interfaces.SyncItem, 0, len(batch))}
	for _, q := range batch {
		req.Entries = append(req.Entries, interfaces.SyncItem{
			OfflineID: q.Entry.OfflineID,
			Entry:     e.toWire(&q.Entry),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	resp, err := e.api.Sync(callCtx, req)
	cancel()
	if err != nil {
		return err
	}

	verdicts := make(map[string]interfaces.SyncItemResult, len(resp.Results))
	for _, r := range resp.Results {
		verdicts[r.OfflineID] = r
	}

	var acked []string
	var ackedEntries []*models.WorkTimeEntry
	failures := make(map[string]string)
	for _, q := range batch {
		id := q.Entry.OfflineID
		v, ok := verdicts[id]
		switch {
		case !ok:
			failures[id] = "no result from server"
		case !v.Success:
			msg := v.Message
			if msg == "" {
				msg = "rejected by server"
			}
			failures[id] = msg
		default:
			acked = append(acked, id)
			result.ServerIDs[id] = v.ServerID
			entry := q.Entry.Clone()
			entry.ID = v.ServerID
			entry.Synced = true
			ackedEntries = append(ackedEntries, entry)
		}
	}

	err = e.repo.Mutate(func(st *models.LocalState) error {
		st.RemoveQueued(acked...)
		for _, q := range st.Queue {
			if msg, ok := failures[q.Entry.OfflineID]; ok {
				q.Attempts++
				q.LastError = msg
			}
		}
		if st.Slot.State == models.TimerStoppedPendingSync {
			for _, id := range acked {
				if st.Slot.Entry.OfflineID == id {
					st.Slot = models.IdleSlot()
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		// nothing was removed; the server deduplicates the resubmission
		return fmt.Errorf("failed to record sync results: %w", err)
	}

	result.Succeeded = append(result.Succeeded, acked...)
	for _, q := range batch {
		if msg, ok := failures[q.Entry.OfflineID]; ok {
			result.Failed = append(result.Failed, q.Entry.OfflineID)
			e.logger.Warn("Entry not synced",
				zap.String("offline_id", q.Entry.OfflineID),
				zap.Int("attempts", q.Attempts+1),
				zap.String("reason", msg))
		}
	}

	if e.history != nil && len(ackedEntries) > 0 {
		if err := e.history.AppendHistory(ackedEntries...); err != nil {
			e.logger.Warn("Failed to update history cache", zap.Error(err))
		}
	}
	return nil
}

// recordFailures marks a batch failed without progress
func (e *Engine) recordFailures(result *models.SyncResult, batch []*models.QueuedEntry, reason string) {
	ids := make(map[string]bool, len(batch))
	for _, q := range batch {
		ids[q.Entry.OfflineID] = true
		result.Failed = append(result.Failed, q.Entry.OfflineID)
	}
	err := e.repo.Mutate(func(st *models.LocalState) error {
		for _, q := range st.Queue {
			if ids[q.Entry.OfflineID] {
				q.Attempts++
				q.LastError = reason
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("Failed to record sync attempt", zap.Error(err))
	}
}

// toWire strips device-only fields and normalizes timestamps to UTC
func (e *Engine) toWire(entry *models.WorkTimeEntry) interfaces.WireEntry {
	w := interfaces.WireEntry{
		ID:        entry.ID,
		StartTime: e.tz.FormatWire(entry.StartTime),
		BranchID:  entry.BranchID,
		UserID:    entry.UserID,
	}
	if entry.EndTime != nil {
		end := e.tz.FormatWire(*entry.EndTime)
		w.EndTime = &end
	}
	return w
}

func (e *Engine) saveMetadata(result *models.SyncResult) {
	if e.history == nil {
		return
	}
	meta, err := e.history.SyncMetadata()
	if err != nil {
		meta = &models.SyncMetadata{}
	}
	meta.LastAttempt = result.FinishedAt
	meta.LastSucceeded = len(result.Succeeded)
	meta.LastFailed = len(result.Failed)
	meta.LastError = result.TransportError
	meta.TotalSynced += int64(len(result.Succeeded))
	if len(result.Failed) == 0 {
		meta.LastSuccess = result.FinishedAt
		meta.ConsecutiveFail = 0
	} else {
		meta.ConsecutiveFail++
	}
	if err := e.history.SaveSyncMetadata(meta); err != nil {
		e.logger.Warn("Failed to save sync metadata", zap.Error(err))
	}
}

func (e *Engine) recordMetrics(result *models.SyncResult) {
	if len(result.Failed) == 0 {
		e.metrics.recordSuccess(result)
	} else {
		e.metrics.recordFailure(result)
	}
}

// GetMetrics returns a copy of the current metrics
func (e *Engine) GetMetrics() *SyncMetrics {
	e.metrics.mu.RLock()
	defer e.metrics.mu.RUnlock()

	return &SyncMetrics{
		TotalSyncs:       e.metrics.TotalSyncs,
		SuccessfulSyncs:  e.metrics.SuccessfulSyncs,
		FailedSyncs:      e.metrics.FailedSyncs,
		TotalEntries:     e.metrics.TotalEntries,
		FailedEntries:    e.metrics.FailedEntries,
		LastSyncDuration: e.metrics.LastSyncDuration,
		LastSyncTime:     e.metrics.LastSyncTime,
		StartTime:        e.metrics.StartTime,
	}
}

// recordSuccess records a sync where every entry was acknowledged
func (m *SyncMetrics) recordSuccess(result *models.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalSyncs++
	m.SuccessfulSyncs++
	m.TotalEntries += int64(len(result.Succeeded))
	m.LastSyncDuration = result.FinishedAt.Sub(result.StartedAt)
	m.LastSyncTime = result.FinishedAt
}

// recordFailure records a sync with at least one failed entry
func (m *SyncMetrics) recordFailure(result *models.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalSyncs++
	m.FailedSyncs++
	m.TotalEntries += int64(len(result.Succeeded))
	m.FailedEntries += int64(len(result.Failed))
	m.LastSyncDuration = result.FinishedAt.Sub(result.StartedAt)
	m.LastSyncTime = result.FinishedAt
}
