package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

// Syncer drains the offline queue
type Syncer interface {
	Sync(ctx context.Context) (*models.SyncResult, error)
}

// Intervals holds the loop cadences. A zero interval disables that ticker.
type Intervals struct {
	Active  time.Duration
	Refresh time.Duration
	Sync    time.Duration
}

// DefaultIntervals returns the default cadences
func DefaultIntervals() Intervals {
	return Intervals{
		Active:  30 * time.Second,
		Refresh: 5 * time.Minute,
		Sync:    time.Minute,
	}
}

// Loop runs periodic status checks, refreshes and syncs, and syncs when
// connectivity comes back
type Loop struct {
	reconciler *Reconciler
	syncer     Syncer
	oracle     interfaces.ConnectivityOracle
	logger     *zap.Logger

	mu        sync.Mutex
	intervals Intervals
	resetChan chan struct{}
	stopChan  chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewLoop creates a loop. syncer and oracle may be nil.
func NewLoop(reconciler *Reconciler, syncer Syncer, oracle interfaces.ConnectivityOracle, intervals Intervals, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		reconciler: reconciler,
		syncer:     syncer,
		oracle:     oracle,
		logger:     logger,
		intervals:  intervals,
		resetChan:  make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isRunning {
		return fmt.Errorf("reconcile loop is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopChan = make(chan struct{})

	var online <-chan bool
	unsubscribe := func() {}
	wasOnline := true
	if l.oracle != nil {
		online, unsubscribe = l.oracle.Subscribe()
		wasOnline = l.oracle.Online(ctx)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer unsubscribe()
		l.run(ctx, online, wasOnline)
	}()

	l.isRunning = true
	l.logger.Info("Reconcile loop started",
		zap.Duration("active_interval", l.intervals.Active),
		zap.Duration("refresh_interval", l.intervals.Refresh),
		zap.Duration("sync_interval", l.intervals.Sync))
	return nil
}

// Stop cancels every timer and waits for the loop to exit
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.isRunning {
		l.mu.Unlock()
		return
	}
	l.isRunning = false
	close(l.stopChan)
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("Reconcile loop stopped")
}

// IsRunning returns whether the loop is running
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isRunning
}

// SetIntervals replaces the cadences and re-arms the tickers
func (l *Loop) SetIntervals(intervals Intervals) {
	l.mu.Lock()
	l.intervals = intervals
	l.mu.Unlock()

	select {
	case l.resetChan <- struct{}{}:
	default:
	}
}

// Intervals returns the current cadences
func (l *Loop) Intervals() Intervals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intervals
}

func (l *Loop) run(ctx context.Context, online <-chan bool, wasOnline bool) {
	active, refresh, syncTick := l.arm()
	defer func() {
		active.stop()
		refresh.stop()
		syncTick.stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return

		case <-l.resetChan:
			active.stop()
			refresh.stop()
			syncTick.stop()
			active, refresh, syncTick = l.arm()
			l.logger.Debug("Reconcile intervals updated")

		case <-active.c:
			if _, err := l.reconciler.Check(ctx, false); err != nil {
				l.logger.Debug("Periodic status check failed", zap.Error(err))
			}

		case <-refresh.c:
			if err := l.reconciler.Refresh(ctx); err != nil {
				l.logger.Warn("Periodic refresh failed", zap.Error(err))
			}

		case <-syncTick.c:
			if l.oracle == nil || l.oracle.Online(ctx) {
				l.sync(ctx)
			}

		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if up && !wasOnline {
				l.logger.Info("Connectivity restored")
				l.sync(ctx)
				if _, err := l.reconciler.Check(ctx, true); err != nil {
					l.logger.Debug("Status check after reconnect failed", zap.Error(err))
				}
			} else if !up && wasOnline {
				l.logger.Info("Connectivity lost")
			}
			wasOnline = up
		}
	}
}

func (l *Loop) sync(ctx context.Context) {
	if l.syncer == nil {
		return
	}
	result, err := l.syncer.Sync(ctx)
	if err != nil {
		l.logger.Warn("Background sync failed", zap.Error(err))
		return
	}
	if len(result.Succeeded) > 0 || len(result.Failed) > 0 {
		l.logger.Info("Background sync completed",
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Int("failed", len(result.Failed)))
	}
}

// ticker wraps time.Ticker so that a disabled cadence never fires
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

func (l *Loop) arm() (active, refresh, syncTick ticker) {
	l.mu.Lock()
	iv := l.intervals
	l.mu.Unlock()
	return newTicker(iv.Active), newTicker(iv.Refresh), newTicker(iv.Sync)
}
