// Package fetch pulls updated rows for a single source table. It dispatches
// on the source kind: stream sources are fetched directly over HTTP, database
// sources are re-pulled and re-sampled through the backend.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mattburnham/data-formulator-sub001/internal/backend"
	rferrors "github.com/mattburnham/data-formulator-sub001/internal/errors"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// maxDatabaseSample caps how many rows a database re-sample pulls back.
const maxDatabaseSample = 10000

var errEmptyBody = errors.New("empty response body")

// unparsableMessage is the failure text when a stream body is neither a JSON
// array nor delimited text.
const unparsableMessage = "unable to parse response as JSON or delimited text"

// Fetcher retrieves updated rows for source tables. Failures never escape as
// errors: every outcome is expressed as a RefreshResult.
type Fetcher struct {
	httpClient *http.Client
	backend    *backend.Client
	logger     *zap.Logger
}

// NewFetcher creates a fetcher using the given backend client for database
// sources.
func NewFetcher(b *backend.Client, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		backend:    b,
		logger:     logger,
	}
}

// Fetch pulls updated rows for t according to its source kind.
func (f *Fetcher) Fetch(ctx context.Context, t *types.Table) types.RefreshResult {
	if t.Source == nil {
		return failure(t.ID, "table has no source configuration")
	}
	switch t.Source.Kind {
	case types.SourceStream:
		return f.fetchStream(ctx, t)
	case types.SourceDatabase:
		return f.fetchDatabase(ctx, t)
	default:
		return failure(t.ID, fmt.Sprintf("unknown source kind %q", t.Source.Kind))
	}
}

// fetchStream issues a plain GET and parses the body as a JSON array, falling
// back to delimited text. The fingerprint is left for the caller to compute:
// a stream endpoint has no hash authority.
func (f *Fetcher) fetchStream(ctx context.Context, t *types.Table) types.RefreshResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Source.URL, nil)
	if err != nil {
		return failure(t.ID, fmt.Sprintf("invalid source url: %v", err))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return failure(t.ID, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(t.ID, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return failure(t.ID, fmt.Sprintf("failed to read response: %v", err))
	}

	rows, err := parseBody(body)
	if err != nil {
		f.logger.Debug("stream body unparsable",
			zap.String("table", t.ID),
			zap.Error(err))
		return failure(t.ID, unparsableMessage)
	}

	return types.RefreshResult{TableID: t.ID, Succeeded: true, NewRows: rows}
}

// fetchDatabase triggers a backend re-pull of the virtual table, then
// re-samples only when the backend saw a byte change. The backend's content
// hash is authoritative; it covers full-table state beyond the sample.
func (f *Fetcher) fetchDatabase(ctx context.Context, t *types.Table) types.RefreshResult {
	name := t.Source.VirtualName
	if name == "" {
		name = t.RefName()
	}

	resp, err := f.backend.RefreshStoredTable(ctx, name)
	if err != nil {
		return failure(t.ID, rferrors.UserMessage(err))
	}
	if !resp.Succeeded() {
		refuseErr := classifyRefusal(resp)
		f.logger.Warn("backend refused refresh",
			zap.String("table", t.ID),
			zap.String("category", string(rferrors.GetCategory(refuseErr))),
			zap.String("code", rferrors.GetCode(refuseErr)))
		return failure(t.ID, rferrors.UserMessage(refuseErr))
	}

	if !resp.DataChanged {
		// Nothing to do. NewRows stays nil, which the orchestrator reads
		// as "remote reports unchanged", distinct from an equal fingerprint.
		return types.RefreshResult{TableID: t.ID, Succeeded: true}
	}

	size := resp.RowCount
	if size <= 0 {
		size = len(t.Rows)
	}
	if size > maxDatabaseSample {
		size = maxDatabaseSample
	}

	rows, err := f.backend.SampleTable(ctx, name, size)
	if err != nil {
		return failure(t.ID, rferrors.UserMessage(err))
	}
	if rows == nil {
		// The backend saw a change even though the sample came back empty.
		// nil is reserved for the "unchanged" signal above.
		rows = types.Rows{}
	}

	return types.RefreshResult{
		TableID:           t.ID,
		Succeeded:         true,
		NewRows:           rows,
		RemoteFingerprint: resp.ContentHash,
	}
}

// parseBody tries JSON array first, then delimited text. A body that is
// valid JSON but not an array of records (a bare object, an array of
// scalars) is rejected outright rather than handed to the delimited-text
// parser, which would mis-read the JSON text as a header line.
func parseBody(body []byte) (types.Rows, error) {
	if json.Valid(bytes.TrimSpace(body)) {
		var rows types.Rows
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	return parseDelimited(string(body))
}

// classifyRefusal maps a refused backend refresh onto the error taxonomy:
// a missing stored connection is permanent, anything else is a backend
// execution failure.
func classifyRefusal(resp *backend.RefreshStoredTableResponse) error {
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("backend refused refresh with status %q", resp.Status)
	}
	if strings.Contains(strings.ToLower(msg), "connection") {
		return rferrors.NewNoConnectionError(msg)
	}
	return rferrors.NewBackendError(rferrors.CodeExecutionFailed, msg, nil)
}

func failure(tableID, message string) types.RefreshResult {
	return types.RefreshResult{TableID: tableID, Message: message}
}
