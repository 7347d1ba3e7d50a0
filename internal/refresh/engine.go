package refresh

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mattburnham/data-formulator-sub001/internal/store"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// Propagator cascades source changes to dependent derived tables.
type Propagator interface {
	Propagate(ctx context.Context, tables []*types.Table)
}

// Engine ties the pieces together: it watches the store for table-set
// changes and, on every change, reconciles schedules and runs a propagation
// pass. It runs as a background daemon with explicit start/stop.
type Engine struct {
	store      store.Store
	registry   *Registry
	propagator Propagator
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates an engine; call Start to begin observing the store.
func NewEngine(s store.Store, registry *Registry, propagator Propagator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      s,
		registry:   registry,
		propagator: propagator,
		logger:     logger,
	}
}

// Start launches the engine's event loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("refresh engine already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.run(ctx)
	e.logger.Info("refresh engine started")
	return nil
}

// Stop halts the event loop and tears down every schedule.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	<-done
	e.registry.Close()
	e.logger.Info("refresh engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	subID := "refresh-engine-" + uuid.NewString()
	events := e.store.Subscribe(subID)
	defer e.store.Unsubscribe(subID)

	// Initial pass picks up whatever is already in the store.
	e.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			drainEvents(events)
			e.pass(ctx)
		}
	}
}

// pass runs one reconcile-and-propagate cycle over the current snapshot.
func (e *Engine) pass(ctx context.Context) {
	tables, err := e.store.ListTables(ctx)
	if err != nil {
		e.logger.Warn("failed to list tables", zap.Error(err))
		return
	}
	e.registry.Reconcile(tables)
	e.propagator.Propagate(ctx, tables)
}

// drainEvents coalesces a burst of change events into one pass.
func drainEvents(events <-chan store.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
