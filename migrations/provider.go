package migrations

import (
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

var dialects = map[string]goose.Dialect{
	ClickHouse: goose.DialectClickHouse,
	Postgres:   goose.DialectPostgres,
	SQLite:     goose.DialectSQLite3,
}

// NewProvider returns a goose provider over the embedded migrations of dialect
func NewProvider(db *sql.DB, dialect string) (*goose.Provider, error) {
	d, ok := dialects[dialect]
	if !ok {
		return nil, fmt.Errorf("unknown migration dialect %q", dialect)
	}
	fsys, err := fs.Sub(FS, dialect)
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(d, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}
