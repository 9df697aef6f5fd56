// Package store persists users, guilds, channels, messages and read states
// in Postgres, and serves the read-only views the gateway needs for
// audience resolution.
package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("internal/store: not found")

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(pool *pgxpool.Pool) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("internal/store: failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(migrations)

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("internal/store: migration failed: %w", err)
	}
	return nil
}
