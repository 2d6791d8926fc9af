// Package storage defines the capability interface shared by every
// storage backend and the error kinds they surface.
package storage

import "github.com/pkg/errors"

var (
	// ErrKeyNotFound is returned by Remove when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruptedData is returned when a stored record fails its
	// checksum verification.
	ErrCorruptedData = errors.New("corrupted data")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage closed")
)

// Storage is the capability set any backend must satisfy. Implementations
// are safe for concurrent use; every operation completes or fails before
// returning and a failed operation never leaves the on-disk state
// structurally corrupt.
type Storage interface {
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Get returns the value for key. The second return is false when the
	// key does not exist.
	Get(key string) ([]byte, bool, error)

	// Remove deletes key. Returns ErrKeyNotFound if the key does not exist.
	Remove(key string) error

	// ListKeys returns all live keys in unspecified order.
	ListKeys() []string

	// Sync forces buffered writes to stable storage.
	Sync() error

	Close() error
}
