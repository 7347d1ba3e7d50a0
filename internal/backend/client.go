// Package backend provides the JSON-over-HTTP client for the data service
// that owns stored connections, virtual tables, and transform execution.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	rferrors "github.com/mattburnham/data-formulator-sub001/internal/errors"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

const (
	defaultTimeout = 60 * time.Second

	// maxAttempts bounds transparent retries of transient failures.
	maxAttempts = 3
)

// Client calls the backend data service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// RefreshStoredTableResponse is the backend's report after re-pulling a
// virtual table from its stored connection.
type RefreshStoredTableResponse struct {
	Status      string `json:"status"`
	RowCount    int    `json:"row_count"`
	DataChanged bool   `json:"data_changed"`
	ContentHash string `json:"content_hash"`
	Message     string `json:"message"`
}

// Succeeded reports whether the backend accepted the refresh.
func (r *RefreshStoredTableResponse) Succeeded() bool {
	return r.Status == "success"
}

// InputTable pairs a table name with its current rows for transform
// re-execution.
type InputTable struct {
	Name string     `json:"name"`
	Rows types.Rows `json:"rows"`
}

// RefreshStoredTable asks the backend to re-pull tableName from its stored
// connection. The backend reports whether the table bytes changed and, if
// so, the authoritative content hash of the new state.
func (c *Client) RefreshStoredTable(ctx context.Context, tableName string) (*RefreshStoredTableResponse, error) {
	var resp RefreshStoredTableResponse
	if err := c.postJSON(ctx, "/api/tables/refresh", map[string]interface{}{
		"table_name": tableName,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SampleTable returns up to size rows of the named virtual table.
func (c *Client) SampleTable(ctx context.Context, table string, size int) (types.Rows, error) {
	var resp struct {
		Status string     `json:"status"`
		Rows   types.Rows `json:"rows"`
		Error  string     `json:"error"`
	}
	if err := c.postJSON(ctx, "/api/tables/sample", map[string]interface{}{
		"table": table,
		"size":  size,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("sampling %s failed with status %q", table, resp.Status)
		}
		return nil, rferrors.NewBackendError(rferrors.CodeSampleFailed, msg, nil)
	}
	return resp.Rows, nil
}

// RefreshDerivedData re-executes a stored transformation against the given
// input rows and returns the resulting rows.
func (c *Client) RefreshDerivedData(ctx context.Context, inputs []InputTable, code string) (types.Rows, error) {
	var resp struct {
		Status  string     `json:"status"`
		Rows    types.Rows `json:"rows"`
		Message string     `json:"message"`
	}
	if err := c.postJSON(ctx, "/api/derive/refresh", map[string]interface{}{
		"input_tables": inputs,
		"code":         code,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("derivation failed with status %q", resp.Status)
		}
		return nil, rferrors.NewBackendError(rferrors.CodeExecutionFailed, msg, nil)
	}
	return resp.Rows, nil
}

// postJSON posts a JSON body and decodes a JSON response into out.
// Retryable failures (network errors, bad statuses) are retried with a
// short backoff before being surfaced.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return rferrors.NewNetworkError("backend request cancelled", ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
			c.logger.Debug("retrying backend request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1))
		}

		lastErr = c.doPostJSON(ctx, path, body, out)
		if lastErr == nil || !rferrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doPostJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return rferrors.NewInternalError("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return rferrors.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rferrors.NewNetworkError(fmt.Sprintf("backend request to %s failed", path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return rferrors.NewNetworkError("failed to read backend response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("backend returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return rferrors.New(rferrors.ErrCategoryNetwork, rferrors.CodeBadStatus,
			fmt.Sprintf("backend %s returned %s", path, resp.Status))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return rferrors.NewParseError(fmt.Sprintf("backend %s returned invalid JSON", path))
	}
	return nil
}
