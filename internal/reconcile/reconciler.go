// Package reconcile keeps the local timer slot in agreement with the server
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/branches"
	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database/repositories"
	"github.com/intranet/worktime/internal/timer"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

// Skip reasons reported by Check
const (
	SkipDebounced    = "debounced"
	SkipOfflineEntry = "offline entry"
	SkipDisconnected = "disconnected"
	SkipQueryFailed  = "query failed"
)

// Config holds reconciler settings
type Config struct {
	// MinInterval debounces non-forced checks
	MinInterval time.Duration
	// Timeout bounds each server call
	Timeout time.Duration
	// HistoryWindow is how far back Refresh reloads history
	HistoryWindow time.Duration
}

// DefaultConfig returns the default reconciler settings
func DefaultConfig() Config {
	return Config{
		MinInterval:   5 * time.Second,
		Timeout:       10 * time.Second,
		HistoryWindow: 30 * 24 * time.Hour,
	}
}

// CheckResult describes the outcome of one check
type CheckResult struct {
	Seq     uint64
	Status  *models.ActiveStatus
	Applied bool
	Skipped string
}

// Reconciler queries the server for the active entry and applies the answer
// through the timer machine
type Reconciler struct {
	machine   *timer.Machine
	api       interfaces.WorktimeAPI
	oracle    interfaces.ConnectivityOracle
	history   *repositories.HistoryRepository
	directory *branches.Directory
	config    Config
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

// NewReconciler creates a reconciler. history, directory and oracle may be nil.
func NewReconciler(
	machine *timer.Machine,
	api interfaces.WorktimeAPI,
	oracle interfaces.ConnectivityOracle,
	history *repositories.HistoryRepository,
	directory *branches.Directory,
	config Config,
	logger *zap.Logger,
) *Reconciler {
	def := DefaultConfig()
	if config.MinInterval < 0 {
		config.MinInterval = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = def.HistoryWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		machine:   machine,
		api:       api,
		oracle:    oracle,
		history:   history,
		directory: directory,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Check compares the local slot with the server's active entry. Forced
// checks skip the debounce window and the connectivity shortcut. A failed
// query leaves the slot untouched and returns the error.
func (r *Reconciler) Check(ctx context.Context, forced bool) (*CheckResult, error) {
	if !forced && !r.admit() {
		return &CheckResult{Skipped: SkipDebounced}, nil
	}

	slot, err := r.machine.Current()
	if err != nil {
		return nil, err
	}
	if slot.OfflineFlagged() {
		r.logger.Debug("Skipping status check for offline entry", zap.String("state", string(slot.State)))
		return &CheckResult{Skipped: SkipOfflineEntry}, nil
	}
	if !forced && r.oracle != nil && !r.oracle.Online(ctx) {
		return &CheckResult{Skipped: SkipDisconnected}, nil
	}

	seq := r.machine.Sequencer().Next()
	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	status, err := r.api.Active(callCtx)
	cancel()
	if err != nil {
		r.logger.Debug("Status check failed", zap.Uint64("seq", seq), zap.Error(err))
		return &CheckResult{Seq: seq, Skipped: SkipQueryFailed}, err
	}

	applied, err := r.machine.ApplyRemote(seq, status)
	if err != nil {
		return nil, err
	}
	return &CheckResult{Seq: seq, Status: status, Applied: applied}, nil
}

// Refresh reloads recent history and the branch list, then runs a forced check
func (r *Reconciler) Refresh(ctx context.Context) error {
	var errs []error

	if r.history != nil {
		if err := r.refreshHistory(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.directory != nil {
		if err := r.directory.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to refresh branches: %w", err))
		}
	}
	if _, err := r.Check(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("failed to check active entry: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Reconciler) refreshHistory(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	entries, err := r.api.History(callCtx, interfaces.HistoryQuery{
		Since: r.now().Add(-r.config.HistoryWindow),
		Limit: repositories.MaxHistoryEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if err := r.history.ReplaceHistory(entries); err != nil {
		return err
	}
	r.logger.Debug("History refreshed", zap.Int("entries", len(entries)))
	return nil
}

func (r *Reconciler) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !r.lastCheck.IsZero() && now.Sub(r.lastCheck) < r.config.MinInterval {
		return false
	}
	r.lastCheck = now
	return true
}
