package store

// Schema for the table store database. Rows are kept as a single
// snappy-compressed JSON blob per table; the engine always replaces the
// whole row-set, never individual rows.

const tablesSchemaSQL = `
CREATE TABLE IF NOT EXISTS tables (
	table_id        TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL,
	column_names    TEXT NOT NULL,
	row_blob        BLOB NOT NULL,
	row_count       INTEGER NOT NULL,
	fingerprint     TEXT,
	source_json     TEXT,
	derivation_json TEXT,
	updated_at      INTEGER NOT NULL
);
`

const notificationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	created_at      INTEGER NOT NULL,
	component       TEXT NOT NULL,
	severity        TEXT NOT NULL,
	body            TEXT NOT NULL
);
`

const notificationsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_notifications_created
	ON notifications(created_at DESC);
`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	return []string{
		tablesSchemaSQL,
		notificationsSchemaSQL,
		notificationsIndexSQL,
	}
}
