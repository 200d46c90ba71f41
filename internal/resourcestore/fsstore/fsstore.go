// Package fsstore is the filesystem-backed resourcestore.Store
// implementation (spec §4.2, resource-type=fs): one file per resource id
// under a configured root directory, grounded on the Backend interface
// shape in TheEntropyCollective/noisefs's pkg/storage (Put/Get/Has/Delete),
// adapted from IPFS-block addressing to flat resource ids.
package fsstore

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
)

// Store writes each resource as a single file named by its id directly
// under root. Ids are opaque UUID strings minted by internal/taskid, never
// user-supplied paths, but Put/Get/Has/Delete still reject any id
// containing a path separator or ".." before joining, closing off path
// traversal even if a malformed id ever reached this layer.
type Store struct {
	root string
}

// New ensures root exists and returns a Store rooted there.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Resource("create resource root "+root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", apperr.InvalidParams("invalid resource id: "+id, nil)
	}
	return filepath.Join(s.root, id), nil
}

// Put implements resourcestore.Store.
func (s *Store) Put(ctx context.Context, id string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(p); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return apperr.Resource("resource "+id+" already exists with different content", nil)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Resource("write resource "+id, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return apperr.Resource("finalize resource "+id, err)
	}
	return nil
}

// Get implements resourcestore.Store.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound("resource " + id)
	}
	if err != nil {
		return nil, apperr.Resource("read resource "+id, err)
	}
	return data, nil
}

// Has implements resourcestore.Store.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(p)
	if errors.Is(statErr, fs.ErrNotExist) {
		return false, nil
	}
	if statErr != nil {
		return false, apperr.Resource("stat resource "+id, statErr)
	}
	return true, nil
}

// Delete implements resourcestore.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Resource("delete resource "+id, err)
	}
	return nil
}
