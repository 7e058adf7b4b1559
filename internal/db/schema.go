// Package db embeds the table definitions for both supported stores.
package db

import _ "embed"

// PostgresSchema creates the job and ledger tables on Postgres.
//
//go:embed schema/postgres.sql
var PostgresSchema string

// SQLiteSchema mirrors PostgresSchema for the local SQLite store.
//
//go:embed schema/sqlite.sql
var SQLiteSchema string
