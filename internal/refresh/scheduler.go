package refresh

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runSchedule is the per-table timer loop. The loop is self-rescheduling:
// the next timer is armed only after the previous refresh completes, so the
// interval is measured from completion and two ticks for the same table can
// never overlap. It exits when ctx is cancelled, when the table disappears,
// or when the table stops being schedulable.
func (r *Registry) runSchedule(ctx context.Context, tableID string, interval time.Duration, immediate bool) {
	if immediate {
		r.orchestrator.Refresh(ctx, tableID)
	}

	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// The timer may fire in the same instant the schedule is torn down.
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Re-read current state: configuration may have changed since the
		// timer was armed.
		t, err := r.store.GetTable(ctx, tableID)
		if err != nil {
			r.logger.Debug("scheduled table gone, stopping timer",
				zap.String("table", tableID))
			return
		}
		if !t.IsSource() || !t.Source.Schedulable() {
			r.logger.Debug("table no longer schedulable, stopping timer",
				zap.String("table", tableID))
			return
		}
		interval = t.Source.Interval()

		r.orchestrator.Refresh(ctx, tableID)
	}
}
