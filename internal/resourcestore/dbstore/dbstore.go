// Package dbstore is the relational resourcestore.Store implementation
// (spec §4.2, resource-type=db): resources live in the same database as
// task metadata, table resource_infos, reusing the connection pool opened
// by internal/store/sqlstore rather than holding a second one.
package dbstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
)

// placeholderFunc returns the positional placeholder for argument n,
// supplied by the caller so dbstore stays agnostic of the dialect detail
// that lives in sqlstore.
type placeholderFunc func(n int) string

// Store is a resourcestore.Store backed by a shared *sql.DB.
type Store struct {
	db *sql.DB
	ph placeholderFunc
}

// New wraps an already-open, already-migrated *sql.DB (the one opened by
// sqlstore.Open) as a resourcestore.Store. ph must match the dialect of db
// ("$N" for postgres, "?" for sqlite).
func New(db *sql.DB, ph placeholderFunc) *Store {
	return &Store{db: db, ph: ph}
}

// Put implements resourcestore.Store.
func (s *Store) Put(ctx context.Context, id string, data []byte) error {
	var existing []byte
	row := s.db.QueryRowContext(ctx, "SELECT data FROM resource_infos WHERE id = "+s.ph(1), id)
	err := row.Scan(&existing)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return apperr.Resource("resource "+id+" already exists with different content", nil)
	case errors.Is(err, sql.ErrNoRows):
		q := fmt.Sprintf("INSERT INTO resource_infos (id, data, create_at) VALUES (%s, %s, %s)", s.ph(1), s.ph(2), s.ph(3))
		if _, err := s.db.ExecContext(ctx, q, id, data, time.Now().Unix()); err != nil {
			return apperr.Resource("insert resource "+id, err)
		}
		return nil
	default:
		return apperr.Resource("check resource "+id, err)
	}
}

// Get implements resourcestore.Store.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx, "SELECT data FROM resource_infos WHERE id = "+s.ph(1), id)
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("resource " + id)
	}
	if err != nil {
		return nil, apperr.Resource("read resource "+id, err)
	}
	return data, nil
}

// Has implements resourcestore.Store.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, "SELECT count(1) FROM resource_infos WHERE id = "+s.ph(1), id)
	if err := row.Scan(&n); err != nil {
		return false, apperr.Resource("check resource "+id, err)
	}
	return n > 0, nil
}

// Delete implements resourcestore.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM resource_infos WHERE id = "+s.ph(1), id); err != nil {
		return apperr.Resource("delete resource "+id, err)
	}
	return nil
}
