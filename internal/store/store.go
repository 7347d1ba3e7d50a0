// Package store provides the canonical table store backing the refresh
// engine. Tables live in a SQLite database; every mutation is a discrete,
// atomic update command and publishes a change event.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	rferrors "github.com/mattburnham/data-formulator-sub001/internal/errors"
	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// ErrTableNotFound is returned when an update targets a table that no
// longer exists. Callers treat it as "discard the result", not a failure.
var ErrTableNotFound = rferrors.New(rferrors.ErrCategoryStore, rferrors.CodeTableNotFound, "table not found")

// Store is the state-store surface the refresh engine depends on. The
// engine only lists, reads, updates rows, and posts notifications; table
// creation and removal belong to the hosting application.
type Store interface {
	// ListTables returns a snapshot of all tables.
	ListTables(ctx context.Context) ([]*types.Table, error)

	// GetTable retrieves a single table by id. Returns ErrTableNotFound
	// if it does not exist.
	GetTable(ctx context.Context, id string) (*types.Table, error)

	// PutTable creates or replaces a table.
	PutTable(ctx context.Context, t *types.Table) error

	// RemoveTable deletes a table. Removing an absent table is a no-op.
	RemoveTable(ctx context.Context, id string) error

	// UpdateTableRows atomically replaces a table's rows and, when
	// fingerprint is non-empty, its stored fingerprint. Returns
	// ErrTableNotFound if the table vanished since the caller read it.
	UpdateTableRows(ctx context.Context, id string, rows types.Rows, fingerprint string) error

	// SetSourceRefreshedAt records the completion time of the last
	// successful refresh on a source table's config.
	SetSourceRefreshedAt(ctx context.Context, id string, at time.Time) error

	// PostNotification persists a user-visible notification.
	PostNotification(ctx context.Context, n types.Notification) error

	// ListNotifications returns the most recent notifications, newest first.
	ListNotifications(ctx context.Context, limit int) ([]types.Notification, error)

	// Subscribe returns a channel of change events published after every
	// table mutation.
	Subscribe(id string) <-chan Event

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(id string)

	// Close closes the underlying database.
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db       *sql.DB // Single writer with WAL mode
	notifier *Notifier
	mu       sync.Mutex // Write-only lock
}

// Open opens (creating if necessary) the table store at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:       db,
		notifier: NewNotifier(16),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// ListTables returns a snapshot of all tables ordered by id.
func (s *SQLiteStore) ListTables(ctx context.Context) ([]*types.Table, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_id, display_name, column_names, row_blob,
		       fingerprint, source_json, derivation_json
		FROM tables ORDER BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []*types.Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTable retrieves a single table by id.
func (s *SQLiteStore) GetTable(ctx context.Context, id string) (*types.Table, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT table_id, display_name, column_names, row_blob,
		       fingerprint, source_json, derivation_json
		FROM tables WHERE table_id = ?`, id)

	t, err := scanTable(row)
	if err == sql.ErrNoRows {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PutTable creates or replaces a table and publishes a change event.
func (s *SQLiteStore) PutTable(ctx context.Context, t *types.Table) error {
	colJSON, err := json.Marshal(t.ColumnNames)
	if err != nil {
		return fmt.Errorf("store: failed to encode columns: %w", err)
	}
	blob, err := encodeRows(t.Rows)
	if err != nil {
		return err
	}
	srcJSON, err := marshalOptional(t.Source)
	if err != nil {
		return err
	}
	derivJSON, err := marshalOptional(t.Derivation)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tables (
			table_id, display_name, column_names, row_blob, row_count,
			fingerprint, source_json, derivation_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_id) DO UPDATE SET
			display_name = excluded.display_name,
			column_names = excluded.column_names,
			row_blob = excluded.row_blob,
			row_count = excluded.row_count,
			fingerprint = excluded.fingerprint,
			source_json = excluded.source_json,
			derivation_json = excluded.derivation_json,
			updated_at = excluded.updated_at`,
		t.ID, t.DisplayName, string(colJSON), blob, len(t.Rows),
		nullable(t.Fingerprint), srcJSON, derivJSON, time.Now().Unix())
	s.mu.Unlock()
	if err != nil {
		return rferrors.Wrap(rferrors.ErrCategoryStore, rferrors.CodeWriteFailed, "failed to put table", err)
	}

	s.notifier.Publish(Event{Kind: TableUpserted, TableID: t.ID})
	return nil
}

// RemoveTable deletes a table and publishes a change event.
func (s *SQLiteStore) RemoveTable(ctx context.Context, id string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tables WHERE table_id = ?`, id)
	s.mu.Unlock()
	if err != nil {
		return rferrors.Wrap(rferrors.ErrCategoryStore, rferrors.CodeWriteFailed, "failed to remove table", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifier.Publish(Event{Kind: TableRemoved, TableID: id})
	}
	return nil
}

// UpdateTableRows atomically replaces a table's rows and fingerprint.
func (s *SQLiteStore) UpdateTableRows(ctx context.Context, id string, rows types.Rows, fingerprint string) error {
	blob, err := encodeRows(rows)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var res sql.Result
	if fingerprint != "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tables SET row_blob = ?, row_count = ?, fingerprint = ?, updated_at = ?
			WHERE table_id = ?`,
			blob, len(rows), fingerprint, time.Now().Unix(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tables SET row_blob = ?, row_count = ?, updated_at = ?
			WHERE table_id = ?`,
			blob, len(rows), time.Now().Unix(), id)
	}
	s.mu.Unlock()
	if err != nil {
		return rferrors.Wrap(rferrors.ErrCategoryStore, rferrors.CodeWriteFailed, "failed to update rows", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTableNotFound
	}

	s.notifier.Publish(Event{Kind: TableRowsUpdated, TableID: id})
	return nil
}

// SetSourceRefreshedAt records the last successful refresh completion time.
// The timestamp is patched into source_json in a single statement so a
// concurrent config write can never be overwritten with a stale copy.
// This does not publish an event: refresh timestamps are bookkeeping, not
// an entity-set change.
func (s *SQLiteStore) SetSourceRefreshedAt(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tables
		SET source_json = json_set(source_json, '$.last_refreshed_at', ?)
		WHERE table_id = ? AND source_json IS NOT NULL`,
		at.UTC().Format(time.RFC3339Nano), id)
	s.mu.Unlock()
	if err != nil {
		return rferrors.Wrap(rferrors.ErrCategoryStore, rferrors.CodeWriteFailed, "failed to update refresh time", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the table is gone or it carries no source config; only the
		// former is an error.
		if _, err := s.GetTable(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PostNotification persists a user-visible notification.
func (s *SQLiteStore) PostNotification(ctx context.Context, n types.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (notification_id, created_at, component, severity, body)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.Timestamp.UnixNano(), n.Component, string(n.Severity), n.Text)
	s.mu.Unlock()
	if err != nil {
		return rferrors.Wrap(rferrors.ErrCategoryStore, rferrors.CodeWriteFailed, "failed to post notification", err)
	}
	return nil
}

// ListNotifications returns the most recent notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT notification_id, created_at, component, severity, body
		FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []types.Notification
	for rows.Next() {
		var n types.Notification
		var createdAt int64
		var severity string
		if err := rows.Scan(&n.ID, &createdAt, &n.Component, &severity, &n.Text); err != nil {
			return nil, err
		}
		n.Timestamp = time.Unix(0, createdAt)
		n.Severity = types.Severity(severity)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Subscribe returns a channel of change events.
func (s *SQLiteStore) Subscribe(id string) <-chan Event {
	return s.notifier.Subscribe(id)
}

// Unsubscribe removes a subscriber.
func (s *SQLiteStore) Unsubscribe(id string) {
	s.notifier.Unsubscribe(id)
}

// Close closes the store database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTable(sc scanner) (*types.Table, error) {
	var (
		t           types.Table
		colJSON     string
		blob        []byte
		fingerprint sql.NullString
		srcJSON     sql.NullString
		derivJSON   sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.DisplayName, &colJSON, &blob, &fingerprint, &srcJSON, &derivJSON); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(colJSON), &t.ColumnNames); err != nil {
		return nil, fmt.Errorf("store: corrupt column names for %s: %w", t.ID, err)
	}
	rows, err := decodeRows(blob)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt row blob for %s: %w", t.ID, err)
	}
	t.Rows = rows
	t.Fingerprint = fingerprint.String

	if srcJSON.Valid && srcJSON.String != "" {
		var src types.SourceConfig
		if err := json.Unmarshal([]byte(srcJSON.String), &src); err != nil {
			return nil, fmt.Errorf("store: corrupt source config for %s: %w", t.ID, err)
		}
		t.Source = &src
	}
	if derivJSON.Valid && derivJSON.String != "" {
		var deriv types.Derivation
		if err := json.Unmarshal([]byte(derivJSON.String), &deriv); err != nil {
			return nil, fmt.Errorf("store: corrupt derivation for %s: %w", t.ID, err)
		}
		t.Derivation = &deriv
	}
	return &t, nil
}

// encodeRows serializes rows as snappy-compressed JSON.
func encodeRows(rows types.Rows) ([]byte, error) {
	if rows == nil {
		rows = types.Rows{}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode rows: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeRows(blob []byte) (types.Rows, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, err
	}
	var rows types.Rows
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func marshalOptional(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case *types.SourceConfig:
		if val == nil {
			return nil, nil
		}
	case *types.Derivation:
		if val == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode field: %w", err)
	}
	return string(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
