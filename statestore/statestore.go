// Package statestore defines the abstract persistence boundary used by
// the Workflow State Manager (spec.md §4.4, §6) and its three concrete
// backends: an in-memory map for tests, a relational backend over
// database/sql, and an etcd v3 backend. All three satisfy the same
// atomic-put / compare-and-set / prefix-scan contract so the state
// manager never branches on storage technology.
package statestore

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by CAS when the stored version does not
// match the expected version — the caller must reload and retry, per
// spec.md §4.4's compare-and-set mutation rule.
var ErrVersionConflict = errors.New("statestore: version conflict")

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("statestore: key not found")

// Record is one stored blob plus the opaque version statestore assigns
// it on write, used for optimistic concurrency control.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// StateStore is the storage abstraction backing execution state and
// checkpoints. Keys are flat strings; callers impose their own
// hierarchy (e.g. "execution/<id>/checkpoint/<version>").
type StateStore interface {
	// Put writes value unconditionally, assigning and returning a new version.
	Put(ctx context.Context, key string, value []byte) (int64, error)

	// Get returns the current record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// CAS writes value only if the stored version equals expectedVersion.
	// A zero expectedVersion means "key must not exist yet". Returns
	// ErrVersionConflict on mismatch.
	CAS(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error)

	// Scan returns every record whose key starts with prefix, in
	// lexicographic key order.
	Scan(ctx context.Context, prefix string) ([]Record, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any underlying connection or client.
	Close() error
}
