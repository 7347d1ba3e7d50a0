package refresh

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mattburnham/data-formulator-sub001/internal/store"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// Registry reconciles the live table set against the active schedules. It
// exclusively owns every per-table timer and the first-seen bookkeeping; no
// other component starts or stops schedules.
type Registry struct {
	store        store.Store
	orchestrator *Orchestrator
	logger       *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	schedules   map[string]context.CancelFunc
	initialized map[string]bool
	prevSig     map[string]string
	closed      bool
}

// NewRegistry creates a registry. Schedules it starts are torn down by Close.
func NewRegistry(s store.Store, orch *Orchestrator, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:        s,
		orchestrator: orch,
		logger:       logger,
		baseCtx:      ctx,
		cancel:       cancel,
		schedules:    make(map[string]context.CancelFunc),
		initialized:  make(map[string]bool),
	}
}

// Reconcile brings the schedule set in line with the given table snapshot.
// It compares structural signatures (id membership plus source-config
// fields) against the previous pass and returns without touching timers
// when nothing structural changed; row updates alone never re-arm timers.
func (r *Registry) Reconcile(tables []*types.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	sig := make(map[string]string, len(tables))
	for _, t := range tables {
		sig[t.ID] = structuralSignature(t)
	}
	if signaturesEqual(sig, r.prevSig) {
		return
	}
	r.prevSig = sig

	// Structural change: cancel every armed timer, then rebuild. Loops
	// observe cancellation at the next tick boundary and never re-arm.
	for id, cancel := range r.schedules {
		cancel()
		delete(r.schedules, id)
	}

	for _, t := range tables {
		if !t.IsSource() || !t.Source.Schedulable() {
			continue
		}
		// Only a table seen for the first time gets an immediate refresh;
		// recomputing the schedule set must not restart refresh storms.
		immediate := !r.initialized[t.ID]
		r.initialized[t.ID] = true
		r.startScheduleLocked(t, immediate)
	}

	for id := range r.initialized {
		if _, present := sig[id]; !present {
			delete(r.initialized, id)
		}
	}
}

// ActiveScheduleCount returns the number of running schedules.
func (r *Registry) ActiveScheduleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.schedules)
}

// Close cancels every schedule and waits for their loops to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for id, cancel := range r.schedules {
		cancel()
		delete(r.schedules, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Registry) startScheduleLocked(t *types.Table, immediate bool) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.schedules[t.ID] = cancel

	r.logger.Info("starting refresh schedule",
		zap.String("table", t.ID),
		zap.Duration("interval", t.Source.Interval()),
		zap.Bool("immediate", immediate))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runSchedule(ctx, t.ID, t.Source.Interval(), immediate)
	}()
}

// structuralSignature captures the scheduling-relevant shape of a table.
// Rows, fingerprints, and refresh timestamps are deliberately excluded.
func structuralSignature(t *types.Table) string {
	if t.Source == nil {
		if t.Derivation != nil {
			return "derived"
		}
		return "static"
	}
	return fmt.Sprintf("%s|%s|%s|%t|%t|%d",
		t.Source.Kind, t.Source.URL, t.Source.VirtualName,
		t.Source.CanRefresh, t.Source.AutoRefresh, t.Source.IntervalSecs)
}

func signaturesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
