// Package refresh contains the scheduling core: the per-table orchestrator,
// the self-rescheduling timers, and the registry that reconciles timers
// against the live table set.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mattburnham/data-formulator-sub001/internal/fingerprint"
	"github.com/mattburnham/data-formulator-sub001/internal/store"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// Fetcher pulls updated rows for one source table.
type Fetcher interface {
	Fetch(ctx context.Context, t *types.Table) types.RefreshResult
}

// Archiver receives a snapshot of every committed row change. Optional.
type Archiver interface {
	Archive(ctx context.Context, tableID string, rows types.Rows, fp string) error
}

// Orchestrator runs one refresh for one table end to end: fetch, detect
// change, commit, notify. At most one refresh runs per table at any time;
// overlapping requests are dropped, not queued.
type Orchestrator struct {
	store    store.Store
	fetcher  Fetcher
	archiver Archiver
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewOrchestrator creates an orchestrator. archiver may be nil.
func NewOrchestrator(s store.Store, f Fetcher, archiver Archiver, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    s,
		fetcher:  f,
		archiver: archiver,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// InFlight reports whether a refresh for the table is currently running.
func (o *Orchestrator) InFlight(tableID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight[tableID]
}

// Refresh runs a single refresh for the table. It re-reads the table from
// the store first so the fetch always sees current configuration. Returns
// false when the request was dropped because a refresh was already running.
func (o *Orchestrator) Refresh(ctx context.Context, tableID string) bool {
	if !o.acquire(tableID) {
		o.logger.Debug("refresh already in flight, dropping", zap.String("table", tableID))
		return false
	}
	defer o.release(tableID)

	o.runLocked(ctx, tableID)
	return true
}

// runLocked does the actual work; the single-flight slot is held by the
// caller.
func (o *Orchestrator) runLocked(ctx context.Context, tableID string) {
	t, err := o.store.GetTable(ctx, tableID)
	if err != nil {
		// Removed since the refresh was requested. Nothing to do.
		o.logger.Debug("table gone before refresh", zap.String("table", tableID))
		return
	}

	res := o.fetcher.Fetch(ctx, t)

	if !res.Succeeded {
		o.logger.Warn("refresh failed",
			zap.String("table", tableID),
			zap.String("message", res.Message))
		o.notify(ctx, types.SeverityWarning,
			fmt.Sprintf("failed to refresh %s: %s", t.RefName(), res.Message))
		return
	}

	if res.NewRows == nil {
		// Remote reported no byte change; no sampling happened at all.
		o.logger.Debug("remote reports unchanged", zap.String("table", tableID))
		o.markRefreshed(ctx, tableID)
		return
	}

	newFP := res.RemoteFingerprint
	if newFP == "" {
		newFP = fingerprint.Fingerprint(res.NewRows, t.ColumnNames)
	}
	if newFP == t.Fingerprint {
		// Bytes were re-delivered unchanged. Stay silent so no downstream
		// cascade is seeded.
		o.logger.Debug("fingerprint unchanged", zap.String("table", tableID))
		o.markRefreshed(ctx, tableID)
		return
	}

	if err := o.store.UpdateTableRows(ctx, tableID, res.NewRows, newFP); err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			// The table was removed while the fetch was running. Discard.
			o.logger.Debug("table removed mid-refresh, discarding result",
				zap.String("table", tableID))
			return
		}
		o.logger.Error("failed to commit refreshed rows",
			zap.String("table", tableID), zap.Error(err))
		o.notify(ctx, types.SeverityWarning,
			fmt.Sprintf("failed to store refreshed rows for %s: %v", t.RefName(), err))
		return
	}

	o.markRefreshed(ctx, tableID)
	o.archive(ctx, tableID, res.NewRows, newFP)

	o.logger.Info("table refreshed",
		zap.String("table", tableID),
		zap.Int("rows", len(res.NewRows)))
	o.notify(ctx, types.SeverityInfo,
		fmt.Sprintf("%s refreshed with %d rows", t.RefName(), len(res.NewRows)))
}

func (o *Orchestrator) acquire(tableID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[tableID] {
		return false
	}
	o.inFlight[tableID] = true
	return true
}

func (o *Orchestrator) release(tableID string) {
	o.mu.Lock()
	delete(o.inFlight, tableID)
	o.mu.Unlock()
}

func (o *Orchestrator) markRefreshed(ctx context.Context, tableID string) {
	if err := o.store.SetSourceRefreshedAt(ctx, tableID, time.Now()); err != nil &&
		!errors.Is(err, store.ErrTableNotFound) {
		o.logger.Warn("failed to record refresh time",
			zap.String("table", tableID), zap.Error(err))
	}
}

func (o *Orchestrator) archive(ctx context.Context, tableID string, rows types.Rows, fp string) {
	if o.archiver == nil {
		return
	}
	if err := o.archiver.Archive(ctx, tableID, rows, fp); err != nil {
		o.logger.Warn("failed to archive snapshot",
			zap.String("table", tableID), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, severity types.Severity, text string) {
	n := types.Notification{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Component: "refresh",
		Severity:  severity,
		Text:      text,
	}
	if err := o.store.PostNotification(ctx, n); err != nil {
		o.logger.Warn("failed to post notification", zap.Error(err))
	}
}
