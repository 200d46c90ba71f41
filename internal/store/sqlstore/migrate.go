package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// migratePostgres applies the embedded postgres migrations through
// golang-migrate, mirroring the teacher's compliance database bootstrap
// (pkg/compliance/storage/postgres/database.go) but sourced from an
// embed.FS instead of a migrations directory on disk, so a single compiled
// binary carries its own schema.
func migratePostgres(ctx context.Context, db *sql.DB) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return apperr.Store("load postgres migrations", err)
	}
	target, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return apperr.Store("init postgres migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", target)
	if err != nil {
		return apperr.Store("init migrator", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperr.Store("apply postgres migrations", err)
	}
	return nil
}

// migrateSQLite applies the embedded SQLite schema directly. golang-migrate's
// sqlite3 driver depends on mattn/go-sqlite3, which requires cgo; since the
// dispatcher standardizes on the pure-Go modernc.org/sqlite driver, the
// schema is instead applied with plain database/sql statements. Every
// statement is written CREATE TABLE/INDEX IF NOT EXISTS, so re-applying it
// against an already-migrated database is a no-op, which is all the
// dispatcher needs (there is only ever one schema version).
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	raw, err := sqliteMigrations.ReadFile("migrations/sqlite/0001_init.up.sql")
	if err != nil {
		return apperr.Store("load sqlite migration", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return apperr.Store("apply sqlite migration", err)
		}
	}
	return nil
}
