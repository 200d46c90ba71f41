// Package sqlstore implements store.Store over database/sql, supporting
// both PostgreSQL (via jackc/pgx/v5's stdlib adapter) and SQLite (via the
// pure-Go modernc.org/sqlite driver), selected by the DSN scheme in the
// dispatcher's db-dsn config key (spec §6.4). This generalizes the
// teacher's pgxpool-only ComplianceDatabase
// (pkg/compliance/storage/postgres/database.go) to the dual-driver
// requirement the spec imposes: one code path against database/sql serves
// both backends so the claim transaction (§4.1) is written once.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"              // registers the "sqlite" database/sql driver

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
)

// Dialect distinguishes the two supported backends where SQL syntax diverges.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Store is a store.Store backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open parses dsn's scheme and opens the matching backend. Supported
// schemes: "postgres://"/"postgresql://" and "sqlite://".
func Open(ctx context.Context, dsn string) (*Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, apperr.Store("open postgres connection", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, apperr.Store("ping postgres", err)
		}
		s := &Store{db: db, dialect: DialectPostgres}
		if err := migratePostgres(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil

	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			path = ":memory:"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, apperr.Store("open sqlite connection", err)
		}
		// SQLite allows only one writer at a time; a single connection
		// avoids "database is locked" errors under concurrent claims.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, apperr.Store("ping sqlite", err)
		}
		s := &Store{db: db, dialect: DialectSQLite}
		if err := migrateSQLite(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, apperr.InvalidParams(fmt.Sprintf("unsupported db-dsn scheme: %s", dsn), nil)
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection pool so internal/resourcestore/dbstore
// can store resource blobs on the same connection when resource-type=db,
// instead of opening a second pool against the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Placeholder exposes the dialect's positional-parameter syntax for callers
// outside this package, such as dbstore, building their own SQL.
func (s *Store) Placeholder(n int) string {
	return s.ph(n)
}

// ph returns the placeholder for positional argument n (1-indexed),
// following each dialect's native parameter syntax.
func (s *Store) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// beginClaimTx starts the transaction used by ClaimOneTodo, requesting
// repeatable-read isolation where the driver honors it (spec §4.1: "the
// claim transaction uses repeatable-read or equivalent to guarantee no two
// workers claim the same task"). SQLite's single-writer model makes the
// isolation level request a no-op there.
func (s *Store) beginClaimTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		// Some drivers reject unsupported isolation levels outright;
		// fall back to the default level rather than fail the claim.
		tx, err = s.db.BeginTx(ctx, nil)
	}
	return tx, err
}
