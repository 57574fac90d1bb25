// Package branches resolves and validates work locations
package branches

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/internal/database/repositories"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/models"
	"go.uber.org/zap"
)

// UnknownName is shown for branches missing from every list
const UnknownName = "Unknown"

// Source names where the current list came from
type Source string

const (
	SourceNone     Source = "none"
	SourceLive     Source = "live"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Directory serves the branch list from the server, the local cache or the
// configured fallback, in that order
type Directory struct {
	lister   interfaces.BranchLister
	cache    *repositories.HistoryRepository
	logger   *zap.Logger
	fallback []models.Branch

	mu       sync.RWMutex
	branches []models.Branch
	source   Source
}

// NewDirectory creates a directory. lister and cache may be nil.
func NewDirectory(lister interfaces.BranchLister, cache *repositories.HistoryRepository, fallback []models.Branch, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		lister:   lister,
		cache:    cache,
		logger:   logger,
		fallback: fallback,
		source:   SourceNone,
	}
	d.loadLocal()
	return d
}

// Refresh fetches the live list and caches it. On failure the previous list stays.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.lister == nil {
		return nil
	}
	branches, err := d.lister.Branches(ctx)
	if err != nil {
		d.logger.Debug("Branch refresh failed, keeping current list",
			zap.String("source", string(d.Source())), zap.Error(err))
		return err
	}

	d.mu.Lock()
	d.branches = branches
	d.source = SourceLive
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.SaveBranches(branches, time.Now()); err != nil {
			d.logger.Warn("Failed to cache branches", zap.Error(err))
		}
	}
	return nil
}

// List returns the current list
func (d *Directory) List() []models.Branch {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.Branch(nil), d.branches...)
}

// Source reports where the current list came from
func (d *Directory) Source() Source {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source
}

// Name returns the branch name or UnknownName
func (d *Directory) Name(id int64) string {
	if b, ok := d.find(id); ok {
		return b.Name
	}
	return UnknownName
}

// Validate rejects unknown or inactive branches when a list is available.
// Without any list the start is allowed and a warning is logged.
func (d *Directory) Validate(id int64) error {
	if id <= 0 {
		return wterrors.NewValidationError("branch is required", nil)
	}
	if d.Source() == SourceNone {
		d.logger.Warn("No branch list available, accepting branch unchecked", zap.Int64("branch_id", id))
		return nil
	}
	b, ok := d.find(id)
	if !ok {
		return wterrors.NewValidationError(fmt.Sprintf("unknown branch %d", id), nil)
	}
	if !b.IsActive {
		return wterrors.NewValidationError(fmt.Sprintf("branch %q is not active", b.Name), nil)
	}
	return nil
}

func (d *Directory) find(id int64) (models.Branch, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.branches {
		if b.ID == id {
			return b, true
		}
	}
	return models.Branch{}, false
}

func (d *Directory) loadLocal() {
	if d.cache != nil {
		cache, err := d.cache.Branches()
		if err != nil {
			d.logger.Warn("Failed to read branch cache", zap.Error(err))
		} else if cache != nil && len(cache.Branches) > 0 {
			d.branches = cache.Branches
			d.source = SourceCache
			return
		}
	}
	if len(d.fallback) > 0 {
		d.branches = append([]models.Branch(nil), d.fallback...)
		d.source = SourceFallback
	}
}
