// Package migrations holds the delivery ledger's SQL schema, embedded so
// the bot can migrate its database on startup without shipping loose files.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS embeds the numbered migration files goose applies in order.
//
//go:embed *.sql
var FS embed.FS

// Run brings the ledger database up to the latest schema version.
func Run(db *sql.DB) error {
	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
