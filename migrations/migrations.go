// Package migrations embeds the SQL schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS

// Run applies all pending migrations to the given database.
func Run(db *sql.DB) error {
	return RunContext(context.Background(), db)
}

// RunContext applies all pending migrations, honouring ctx.
func RunContext(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(FS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
