package propagate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattburnham/data-formulator-sub001/internal/backend"
	rferrors "github.com/mattburnham/data-formulator-sub001/internal/errors"
	"github.com/mattburnham/data-formulator-sub001/internal/fingerprint"
	"github.com/mattburnham/data-formulator-sub001/internal/store"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// fakeBackend records derivation and sampling calls.
type fakeBackend struct {
	mu           sync.Mutex
	deriveCalls  []string // transform code per call
	sampleCalls  []int    // requested size per call
	deriveRows   types.Rows
	deriveErr    error
	sampleRows   types.Rows
	sampleErr    error
}

func (b *fakeBackend) SampleTable(ctx context.Context, table string, size int) (types.Rows, error) {
	b.mu.Lock()
	b.sampleCalls = append(b.sampleCalls, size)
	b.mu.Unlock()
	return b.sampleRows, b.sampleErr
}

func (b *fakeBackend) RefreshDerivedData(ctx context.Context, inputs []backend.InputTable, code string) (types.Rows, error) {
	b.mu.Lock()
	b.deriveCalls = append(b.deriveCalls, code)
	b.mu.Unlock()
	return b.deriveRows, b.deriveErr
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tables.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sourceTable(id string, rows types.Rows) *types.Table {
	return &types.Table{
		ID:          id,
		DisplayName: id,
		ColumnNames: []string{"a"},
		Rows:        rows,
		Fingerprint: fingerprint.Fingerprint(rows, []string{"a"}),
		Source: &types.SourceConfig{
			Kind: types.SourceStream,
			URL:  "http://feeds.example/" + id,
		},
	}
}

func derivedTable(id string, inputs []string) *types.Table {
	return &types.Table{
		ID:          id,
		DisplayName: id,
		ColumnNames: []string{"a"},
		Rows:        types.Rows{{"a": float64(0)}},
		Derivation: &types.Derivation{
			InputTableIDs: inputs,
			TransformCode: "transform " + id,
		},
	}
}

func listTables(t *testing.T, s store.Store) []*types.Table {
	t.Helper()
	tables, err := s.ListTables(context.Background())
	require.NoError(t, err)
	return tables
}

func TestFirstObservationIsNotAChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTable(ctx, sourceTable("src", types.Rows{{"a": float64(1)}})))
	require.NoError(t, s.PutTable(ctx, derivedTable("d1", []string{"src"})))

	b := &fakeBackend{}
	p := NewPropagator(s, b, nil, nil)

	p.Propagate(ctx, listTables(t, s))
	assert.Empty(t, b.deriveCalls)
}

func TestDirectDependentRederivedOnSourceChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTable(ctx, sourceTable("src", types.Rows{{"a": float64(1)}})))
	require.NoError(t, s.PutTable(ctx, derivedTable("d1", []string{"src"})))
	require.NoError(t, s.PutTable(ctx, derivedTable("d2", []string{"d1"})))

	b := &fakeBackend{deriveRows: types.Rows{{"a": float64(42)}}}
	p := NewPropagator(s, b, nil, nil)

	// Baseline pass.
	p.Propagate(ctx, listTables(t, s))
	require.Empty(t, b.deriveCalls)

	// The source changes.
	newRows := types.Rows{{"a": float64(2)}}
	require.NoError(t, s.UpdateTableRows(ctx, "src", newRows,
		fingerprint.Fingerprint(newRows, []string{"a"})))

	p.Propagate(ctx, listTables(t, s))

	// d1 depends directly on src and is re-derived; d2 depends only on d1
	// and is left alone in this pass.
	require.Len(t, b.deriveCalls, 1)
	assert.Equal(t, "transform d1", b.deriveCalls[0])

	got, err := s.GetTable(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.Rows{{"a": float64(42)}}, got.Rows)
	assert.Empty(t, got.Fingerprint, "derived tables are never fingerprinted")

	d2, err := s.GetTable(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, types.Rows{{"a": float64(0)}}, d2.Rows)

	// The derived update does not seed a further cascade.
	p.Propagate(ctx, listTables(t, s))
	assert.Len(t, b.deriveCalls, 1)
}

func TestMissingInputSkipsDerivationWithNotification(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTable(ctx, sourceTable("src", types.Rows{{"a": float64(1)}})))
	require.NoError(t, s.PutTable(ctx, derivedTable("d1", []string{"src", "ghost"})))

	b := &fakeBackend{deriveRows: types.Rows{{"a": float64(42)}}}
	p := NewPropagator(s, b, nil, nil)

	p.Propagate(ctx, listTables(t, s))

	newRows := types.Rows{{"a": float64(2)}}
	require.NoError(t, s.UpdateTableRows(ctx, "src", newRows,
		fingerprint.Fingerprint(newRows, []string{"a"})))
	p.Propagate(ctx, listTables(t, s))

	// The backend is never called and prior rows survive.
	assert.Empty(t, b.deriveCalls)
	got, err := s.GetTable(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.Rows{{"a": float64(0)}}, got.Rows)

	notes, err := s.ListNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, types.SeverityError, notes[0].Severity)
	assert.Contains(t, notes[0].Text, "d1")
}

func TestStoredViewResampledWithFloor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTable(ctx, sourceTable("src", types.Rows{{"a": float64(1)}})))

	view := derivedTable("v1", []string{"src"})
	view.Derivation.TransformCode = ""
	view.Derivation.VirtualViewName = "v1_view"
	require.NoError(t, s.PutTable(ctx, view))

	b := &fakeBackend{sampleRows: types.Rows{{"a": float64(5)}}}
	p := NewPropagator(s, b, nil, nil)

	p.Propagate(ctx, listTables(t, s))

	newRows := types.Rows{{"a": float64(2)}}
	require.NoError(t, s.UpdateTableRows(ctx, "src", newRows,
		fingerprint.Fingerprint(newRows, []string{"a"})))
	p.Propagate(ctx, listTables(t, s))

	// A one-row view is still sampled at the floor depth; no code ran.
	require.Len(t, b.sampleCalls, 1)
	assert.Equal(t, minViewSample, b.sampleCalls[0])
	assert.Empty(t, b.deriveCalls)

	got, err := s.GetTable(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.Rows{{"a": float64(5)}}, got.Rows)
}

func TestFailedDerivationLeavesRowsAndCommitsBaseline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTable(ctx, sourceTable("src", types.Rows{{"a": float64(1)}})))
	require.NoError(t, s.PutTable(ctx, derivedTable("d1", []string{"src"})))

	b := &fakeBackend{
		deriveErr: rferrors.NewBackendError(rferrors.CodeExecutionFailed, "division by zero", nil),
	}
	p := NewPropagator(s, b, nil, nil)

	p.Propagate(ctx, listTables(t, s))

	newRows := types.Rows{{"a": float64(2)}}
	require.NoError(t, s.UpdateTableRows(ctx, "src", newRows,
		fingerprint.Fingerprint(newRows, []string{"a"})))
	p.Propagate(ctx, listTables(t, s))

	require.Len(t, b.deriveCalls, 1)
	got, err := s.GetTable(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, types.Rows{{"a": float64(0)}}, got.Rows)

	notes, err := s.ListNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Text, "division by zero")

	// The baseline was committed despite the failure: the same fingerprints
	// do not retrigger the derivation on the next pass.
	p.Propagate(ctx, listTables(t, s))
	assert.Len(t, b.deriveCalls, 1)
}

func TestInFlightDependentSkipped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTable(ctx, sourceTable("src", types.Rows{{"a": float64(1)}})))
	require.NoError(t, s.PutTable(ctx, derivedTable("d1", []string{"src"})))

	b := &fakeBackend{deriveRows: types.Rows{{"a": float64(42)}}}
	p := NewPropagator(s, b, func(id string) bool { return id == "d1" }, nil)

	p.Propagate(ctx, listTables(t, s))

	newRows := types.Rows{{"a": float64(2)}}
	require.NoError(t, s.UpdateTableRows(ctx, "src", newRows,
		fingerprint.Fingerprint(newRows, []string{"a"})))
	p.Propagate(ctx, listTables(t, s))

	assert.Empty(t, b.deriveCalls)
}
