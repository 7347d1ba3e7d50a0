package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

type recordingPropagator struct {
	mu     sync.Mutex
	passes int
}

func (p *recordingPropagator) Propagate(ctx context.Context, tables []*types.Table) {
	p.mu.Lock()
	p.passes++
	p.mu.Unlock()
}

func (p *recordingPropagator) passCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passes
}

func TestEnginePicksUpNewTable(t *testing.T) {
	s := openTestStore(t)

	f := &fakeFetcher{result: successResult(types.Rows{{"a": float64(2)}})}
	orch := NewOrchestrator(s, f, nil, nil)
	reg := NewRegistry(s, orch, nil)
	prop := &recordingPropagator{}

	eng := NewEngine(s, reg, prop, nil)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	require.Eventually(t, func() bool { return prop.passCount() >= 1 },
		time.Second, 5*time.Millisecond)

	putStreamTable(t, s, "s1", types.Rows{{"a": float64(1)}}, 3600)

	// The upsert event triggers a pass; the new table gets an immediate
	// first refresh.
	require.Eventually(t, func() bool { return f.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, reg.ActiveScheduleCount())
}

func TestEngineDoubleStart(t *testing.T) {
	s := openTestStore(t)
	f := &fakeFetcher{result: successResult(nil)}
	orch := NewOrchestrator(s, f, nil, nil)
	reg := NewRegistry(s, orch, nil)

	eng := NewEngine(s, reg, &recordingPropagator{}, nil)
	require.NoError(t, eng.Start())
	assert.Error(t, eng.Start())
	eng.Stop()
	// Stop twice is safe.
	eng.Stop()
}

func TestEngineStopTearsDownSchedules(t *testing.T) {
	s := openTestStore(t)
	putStreamTable(t, s, "s1", types.Rows{{"a": float64(1)}}, 1)

	f := &fakeFetcher{result: successResult(types.Rows{{"a": float64(2)}})}
	orch := NewOrchestrator(s, f, nil, nil)
	reg := NewRegistry(s, orch, nil)

	eng := NewEngine(s, reg, &recordingPropagator{}, nil)
	require.NoError(t, eng.Start())

	require.Eventually(t, func() bool { return f.callCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	eng.Stop()
	calls := f.callCount()
	time.Sleep(1300 * time.Millisecond)
	assert.Equal(t, calls, f.callCount())
}
