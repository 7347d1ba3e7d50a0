// Package propagate cascades source-table changes to the derived tables
// that directly declare them as inputs. Cascades are driven purely by
// fingerprint diffs of source tables between passes; derived tables are
// never fingerprinted, so a derived update cannot seed a further cascade
// within the same pass.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mattburnham/data-formulator-sub001/internal/backend"
	rferrors "github.com/mattburnham/data-formulator-sub001/internal/errors"
	"github.com/mattburnham/data-formulator-sub001/internal/fingerprint"
	"github.com/mattburnham/data-formulator-sub001/internal/store"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// minViewSample is the floor for stored-view re-sampling: small views are
// still sampled at full useful depth.
const minViewSample = 1000

// Backend is the slice of the backend client the propagator needs.
type Backend interface {
	SampleTable(ctx context.Context, table string, size int) (types.Rows, error)
	RefreshDerivedData(ctx context.Context, inputs []backend.InputTable, code string) (types.Rows, error)
}

// Propagator diffs source fingerprints between table-set passes and
// re-derives the direct dependents of anything that changed.
type Propagator struct {
	store    store.Store
	backend  Backend
	inFlight func(tableID string) bool
	logger   *zap.Logger

	mu   sync.Mutex
	prev map[string]string
}

// NewPropagator creates a propagator. inFlight reports whether a table is
// currently mid-refresh; such tables are skipped for re-derivation.
func NewPropagator(s store.Store, b Backend, inFlight func(string) bool, logger *zap.Logger) *Propagator {
	if inFlight == nil {
		inFlight = func(string) bool { return false }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{
		store:    s,
		backend:  b,
		inFlight: inFlight,
		logger:   logger,
	}
}

// Propagate runs one pass over the given table snapshot: diff source
// fingerprints against the previous pass, re-derive direct dependents of
// changed sources, and commit the new baseline unconditionally.
//
// Only direct dependents are refreshed per pass. A chain source -> A -> B
// where B names only A as input is not re-derived in the pass that refreshes
// A; derived tables carry no fingerprint, so the next pass sees no change.
func (p *Propagator) Propagate(ctx context.Context, tables []*types.Table) {
	byID := make(map[string]*types.Table, len(tables))
	for _, t := range tables {
		byID[t.ID] = t
	}

	current := make(map[string]string)
	for _, t := range tables {
		if t.Derivation != nil {
			continue
		}
		fp := t.Fingerprint
		if fp == "" {
			fp = fingerprint.Fingerprint(t.Rows, t.ColumnNames)
		}
		current[t.ID] = fp
	}

	p.mu.Lock()
	prev := p.prev
	p.prev = current
	p.mu.Unlock()

	if prev == nil {
		// First pass after startup: everything is a first observation,
		// nothing counts as changed.
		return
	}

	changed := make(map[string]bool)
	for id, fp := range current {
		if prevFP, seen := prev[id]; seen && prevFP != fp {
			changed[id] = true
		}
	}
	if len(changed) == 0 {
		return
	}
	p.logger.Info("source tables changed, propagating",
		zap.Int("changed", len(changed)))

	for _, t := range tables {
		if t.Derivation == nil || p.inFlight(t.ID) {
			continue
		}
		if !dependsOnAny(t.Derivation, changed) {
			continue
		}
		p.rederive(ctx, t, byID)
	}
}

// rederive refreshes one derived table. Failures leave its previous rows
// untouched; the stored state stays stale but consistent.
func (p *Propagator) rederive(ctx context.Context, t *types.Table, byID map[string]*types.Table) {
	var (
		rows types.Rows
		err  error
	)
	if t.Derivation.IsStoredView() {
		rows, err = p.resampleView(ctx, t)
	} else {
		rows, err = p.rerunTransform(ctx, t, byID)
	}
	if err != nil {
		p.logger.Warn("re-derivation failed",
			zap.String("table", t.ID), zap.Error(err))
		p.notify(ctx, fmt.Sprintf("failed to update derived table %s: %s",
			t.RefName(), rferrors.UserMessage(err)))
		return
	}

	// Derived tables are never fingerprinted; the empty fingerprint leaves
	// the stored one untouched.
	if err := p.store.UpdateTableRows(ctx, t.ID, rows, ""); err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			p.logger.Debug("derived table removed mid-derivation, discarding",
				zap.String("table", t.ID))
			return
		}
		p.logger.Error("failed to commit derived rows",
			zap.String("table", t.ID), zap.Error(err))
		p.notify(ctx, fmt.Sprintf("failed to store derived rows for %s: %v",
			t.RefName(), err))
		return
	}
	p.logger.Info("derived table updated",
		zap.String("table", t.ID), zap.Int("rows", len(rows)))
}

// resampleView re-samples a stored view; no code re-execution is needed.
func (p *Propagator) resampleView(ctx context.Context, t *types.Table) (types.Rows, error) {
	size := len(t.Rows)
	if size < minViewSample {
		size = minViewSample
	}
	return p.backend.SampleTable(ctx, t.Derivation.VirtualViewName, size)
}

// rerunTransform re-executes the stored transformation against the current
// rows of every declared input.
func (p *Propagator) rerunTransform(ctx context.Context, t *types.Table, byID map[string]*types.Table) (types.Rows, error) {
	inputs := make([]backend.InputTable, 0, len(t.Derivation.InputTableIDs))
	for _, inputID := range t.Derivation.InputTableIDs {
		input, ok := byID[inputID]
		if !ok {
			return nil, rferrors.NewMissingInputError(
				fmt.Sprintf("input table %s no longer exists", inputID))
		}
		inputs = append(inputs, backend.InputTable{
			Name: input.RefName(),
			Rows: input.Rows,
		})
	}
	return p.backend.RefreshDerivedData(ctx, inputs, t.Derivation.TransformCode)
}

func dependsOnAny(d *types.Derivation, changed map[string]bool) bool {
	for _, id := range d.InputTableIDs {
		if changed[id] {
			return true
		}
	}
	return false
}

func (p *Propagator) notify(ctx context.Context, text string) {
	n := types.Notification{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Component: "propagate",
		Severity:  types.SeverityError,
		Text:      text,
	}
	if err := p.store.PostNotification(ctx, n); err != nil {
		p.logger.Warn("failed to post notification", zap.Error(err))
	}
}
