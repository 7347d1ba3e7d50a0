package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattburnham/data-formulator-sub001/internal/backend"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

func streamTable(url string) *types.Table {
	return &types.Table{
		ID:          "weather",
		DisplayName: "Weather",
		ColumnNames: []string{"city", "temp"},
		Source:      &types.SourceConfig{Kind: types.SourceStream, URL: url},
	}
}

func TestFetchStreamJSONArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"city":"Seattle","temp":11},{"city":"Austin","temp":31}]`))
	}))
	defer srv.Close()

	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), streamTable(srv.URL))

	require.True(t, res.Succeeded, res.Message)
	require.Len(t, res.NewRows, 2)
	assert.Equal(t, "Seattle", res.NewRows[0]["city"])
	assert.Empty(t, res.RemoteFingerprint)
}

func TestFetchStreamCSVFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("city,temp\nSeattle,11\nAustin,31\n"))
	}))
	defer srv.Close()

	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), streamTable(srv.URL))

	require.True(t, res.Succeeded, res.Message)
	require.Len(t, res.NewRows, 2)
	assert.Equal(t, "Austin", res.NewRows[1]["city"])
	assert.Equal(t, "31", res.NewRows[1]["temp"])
}

func TestFetchStreamTSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("city\ttemp\nSeattle\t11\n"))
	}))
	defer srv.Close()

	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), streamTable(srv.URL))

	require.True(t, res.Succeeded, res.Message)
	require.Len(t, res.NewRows, 1)
	assert.Equal(t, "Seattle", res.NewRows[0]["city"])
}

func TestFetchStreamBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), streamTable(srv.URL))

	assert.False(t, res.Succeeded)
	assert.Contains(t, res.Message, "410")
	assert.Nil(t, res.NewRows)
}

func TestFetchStreamUnparsableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not": "an array"}`))
	}))
	defer srv.Close()

	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), streamTable(srv.URL))

	assert.False(t, res.Succeeded)
	assert.Equal(t, "unable to parse response as JSON or delimited text", res.Message)
}

func TestFetchStreamJSONScalarArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 2, 3]`))
	}))
	defer srv.Close()

	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), streamTable(srv.URL))

	assert.False(t, res.Succeeded, "scalar array must not be parsed as delimited text")
	assert.Equal(t, "unable to parse response as JSON or delimited text", res.Message)
	assert.Nil(t, res.NewRows)
}

// fakeBackend stands in for the backend data service.
func fakeBackend(t *testing.T, refresh backend.RefreshStoredTableResponse, sampleRows types.Rows, sampleCalls *int32, gotSize *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tables/refresh":
			json.NewEncoder(w).Encode(refresh)
		case "/api/tables/sample":
			atomic.AddInt32(sampleCalls, 1)
			var req struct {
				Table string `json:"table"`
				Size  int    `json:"size"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			atomic.StoreInt32(gotSize, int32(req.Size))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"rows":   sampleRows,
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func databaseTable() *types.Table {
	return &types.Table{
		ID:          "orders",
		DisplayName: "Orders",
		ColumnNames: []string{"id", "total"},
		Rows:        types.Rows{{"id": float64(1), "total": 9.5}},
		Source: &types.SourceConfig{
			Kind:        types.SourceDatabase,
			VirtualName: "orders_v",
			CanRefresh:  true,
		},
	}
}

func TestFetchDatabaseChanged(t *testing.T) {
	var sampleCalls, gotSize int32
	srv := fakeBackend(t, backend.RefreshStoredTableResponse{
		Status:      "success",
		RowCount:    42,
		DataChanged: true,
		ContentHash: "deadbeef",
	}, types.Rows{{"id": float64(2), "total": 3.5}}, &sampleCalls, &gotSize)
	defer srv.Close()

	f := NewFetcher(backend.NewClient(srv.URL, time.Second, nil), time.Second, nil)
	res := f.Fetch(context.Background(), databaseTable())

	require.True(t, res.Succeeded, res.Message)
	require.Len(t, res.NewRows, 1)
	assert.Equal(t, "deadbeef", res.RemoteFingerprint)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sampleCalls))
	assert.Equal(t, int32(42), atomic.LoadInt32(&gotSize))
}

func TestFetchDatabaseUnchangedSkipsSampling(t *testing.T) {
	var sampleCalls, gotSize int32
	srv := fakeBackend(t, backend.RefreshStoredTableResponse{
		Status:      "success",
		RowCount:    42,
		DataChanged: false,
	}, nil, &sampleCalls, &gotSize)
	defer srv.Close()

	f := NewFetcher(backend.NewClient(srv.URL, time.Second, nil), time.Second, nil)
	res := f.Fetch(context.Background(), databaseTable())

	require.True(t, res.Succeeded, res.Message)
	assert.Nil(t, res.NewRows)
	assert.Equal(t, int32(0), atomic.LoadInt32(&sampleCalls), "unchanged must not trigger sampling")
}

func TestFetchDatabaseSampleSizeCapped(t *testing.T) {
	var sampleCalls, gotSize int32
	srv := fakeBackend(t, backend.RefreshStoredTableResponse{
		Status:      "success",
		RowCount:    250000,
		DataChanged: true,
		ContentHash: "cafe",
	}, types.Rows{{"id": float64(3)}}, &sampleCalls, &gotSize)
	defer srv.Close()

	f := NewFetcher(backend.NewClient(srv.URL, time.Second, nil), time.Second, nil)
	res := f.Fetch(context.Background(), databaseTable())

	require.True(t, res.Succeeded, res.Message)
	assert.Equal(t, int32(maxDatabaseSample), atomic.LoadInt32(&gotSize))
}

func TestFetchDatabaseChangedWithEmptySample(t *testing.T) {
	var sampleCalls, gotSize int32
	srv := fakeBackend(t, backend.RefreshStoredTableResponse{
		Status:      "success",
		RowCount:    42,
		DataChanged: true,
		ContentHash: "feed",
	}, nil, &sampleCalls, &gotSize)
	defer srv.Close()

	f := NewFetcher(backend.NewClient(srv.URL, time.Second, nil), time.Second, nil)
	res := f.Fetch(context.Background(), databaseTable())

	require.True(t, res.Succeeded, res.Message)
	require.NotNil(t, res.NewRows, "a changed table with an empty sample must not look unchanged")
	assert.Len(t, res.NewRows, 0)
	assert.Equal(t, "feed", res.RemoteFingerprint)
}

func TestFetchDatabaseNoConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "error",
			"message": "no connection info stored for table orders_v",
		})
	}))
	defer srv.Close()

	f := NewFetcher(backend.NewClient(srv.URL, time.Second, nil), time.Second, nil)
	res := f.Fetch(context.Background(), databaseTable())

	assert.False(t, res.Succeeded)
	assert.Equal(t, "no connection info stored for table orders_v", res.Message)
}

func TestFetchNoSourceConfig(t *testing.T) {
	f := NewFetcher(nil, time.Second, nil)
	res := f.Fetch(context.Background(), &types.Table{ID: "static"})

	assert.False(t, res.Succeeded)
	assert.Nil(t, res.NewRows)
}
