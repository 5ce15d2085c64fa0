// Package storage provides the persistent key/value store used by the
// cloud secure area client. Values are opaque byte blobs scoped by a
// partition (one partition per secure area instance).
package storage

import "errors"

var (
	// ErrNotFound is returned when the partition/key pair does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrExists is returned by Put when the partition/key pair already exists.
	ErrExists = errors.New("storage: key already exists")
)

// Store is a partitioned byte-blob store.
//
// Put inserts a new entry and fails with ErrExists if one is present.
// Update replaces an existing entry and fails with ErrNotFound if absent.
// Delete is idempotent.
type Store interface {
	Get(partition, key string) ([]byte, error)
	Put(partition, key string, value []byte) error
	Update(partition, key string, value []byte) error
	Delete(partition, key string) error
}
