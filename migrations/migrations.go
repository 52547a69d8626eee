// Package migrations embeds the goose SQL migrations for every SQL backend.
// Each dialect lives in its own directory.
package migrations

import "embed"

//go:embed clickhouse/*.sql postgres/*.sql sqlite/*.sql
var FS embed.FS

const (
	ClickHouse = "clickhouse"
	Postgres   = "postgres"
	SQLite     = "sqlite"
)
