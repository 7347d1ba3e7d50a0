// Package types provides the core data model for the table refresh engine.
package types

import "time"

// Rows is an ordered sequence of records. Each record maps a column name to
// its cell value as decoded from JSON or delimited text.
type Rows []map[string]interface{}

// SourceKind identifies how a source table is fed.
type SourceKind string

const (
	// SourceStream is a table fed by an HTTP endpoint the engine fetches directly.
	SourceStream SourceKind = "stream"

	// SourceDatabase is a table whose connection state lives in the backend;
	// the engine only triggers re-pulls and re-samples.
	SourceDatabase SourceKind = "database"
)

// SourceConfig describes how a source table is refreshed.
type SourceConfig struct {
	// Kind selects the fetch strategy.
	Kind SourceKind `json:"kind"`

	// URL is the fetch target for stream sources.
	URL string `json:"url,omitempty"`

	// VirtualName is the backend table name for database sources.
	VirtualName string `json:"virtual_name,omitempty"`

	// CanRefresh reports whether the backend confirmed a stored connection
	// for a database source. A database source without it is never refreshed.
	CanRefresh bool `json:"can_refresh,omitempty"`

	// AutoRefresh enables the recurring schedule.
	AutoRefresh bool `json:"auto_refresh"`

	// IntervalSecs is the refresh interval. Must be positive for scheduling.
	IntervalSecs int `json:"interval_secs"`

	// LastRefreshedAt is the completion time of the last successful refresh.
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
}

// Schedulable reports whether this source is eligible for auto-refresh.
func (s *SourceConfig) Schedulable() bool {
	if s == nil || !s.AutoRefresh || s.IntervalSecs <= 0 {
		return false
	}
	if s.Kind == SourceDatabase && !s.CanRefresh {
		return false
	}
	return true
}

// Interval returns the refresh interval as a duration.
func (s *SourceConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// Derivation describes how a derived table is computed from other tables.
type Derivation struct {
	// InputTableIDs are the ids of the tables this derivation reads.
	// Must be non-empty.
	InputTableIDs []string `json:"input_table_ids"`

	// TransformCode is the stored transformation re-executed by the backend.
	TransformCode string `json:"transform_code,omitempty"`

	// VirtualViewName is set when the derivation is a stored view; the view
	// only needs re-sampling, never code re-execution.
	VirtualViewName string `json:"virtual_view_name,omitempty"`
}

// IsStoredView reports whether this derivation is a stored view.
func (d *Derivation) IsStoredView() bool {
	return d != nil && d.VirtualViewName != ""
}

// DependsOn reports whether the derivation directly declares id as an input.
func (d *Derivation) DependsOn(id string) bool {
	if d == nil {
		return false
	}
	for _, in := range d.InputTableIDs {
		if in == id {
			return true
		}
	}
	return false
}

// Table is a named row-set. A table is either a source (Source set),
// derived (Derivation set), or static (neither); static tables are never
// scheduled or cascaded.
type Table struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	ColumnNames []string      `json:"column_names"`
	Rows        Rows          `json:"rows"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Source      *SourceConfig `json:"source,omitempty"`
	Derivation  *Derivation   `json:"derivation,omitempty"`
}

// IsSource reports whether the table is externally fed.
func (t *Table) IsSource() bool {
	return t.Derivation == nil && t.Source != nil
}

// IsDerived reports whether the table is computed from other tables.
func (t *Table) IsDerived() bool {
	return t.Derivation != nil
}

// RefName is the name the backend knows this table by.
func (t *Table) RefName() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.ID
}

// RefreshResult is the transient outcome of a single fetch. It is produced
// by the fetcher, consumed immediately by the orchestrator, never stored.
type RefreshResult struct {
	TableID   string
	Succeeded bool
	Message   string

	// NewRows is nil on a success that carried no data, which is the
	// explicit "remote reports unchanged" signal for database sources.
	NewRows Rows

	// RemoteFingerprint is the backend-provided content hash for database
	// sources. When present it is authoritative and must not be recomputed
	// locally: the backend sees full-table state beyond the sample.
	RemoteFingerprint string
}

// Severity classifies notifications posted to the store.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a user-visible message about a refresh outcome.
type Notification struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Severity  Severity  `json:"severity"`
	Text      string    `json:"text"`
}
