// Package resourcestore holds the opaque proof-input blobs tasks reference
// by id (spec §3/§4.2). A Task's resource_id points into this store, kept
// separate from internal/store so a deployment can put large blobs on a
// filesystem while task metadata stays in the relational database.
package resourcestore

import "context"

// Store is the blob-storage interface. Both implementations key on the
// same id space minted by internal/taskid.Resource.
type Store interface {
	// Put writes data under id, succeeding if the id already exists with
	// identical content (resource submission is idempotent, spec §4.2).
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Has(ctx context.Context, id string) (bool, error)
	// Delete removes the blob. The coordinator invokes this after a task's
	// proof is recorded; it does not check whether another task references
	// the same id.
	Delete(ctx context.Context, id string) error
}
