// Package rawstore contains keyed byte stores. The object database is
// built by layering typed object framing over one of these, with pack
// readers mounted as read-only fallbacks
package rawstore

import (
	"errors"
	"io"
)

var (
	// ErrKeyNotFound is an error thrown when acting on a key that has
	// no value
	ErrKeyNotFound = errors.New("key not found")

	// ErrReadOnly is an error thrown when writing to a store that
	// does not support writes
	ErrReadOnly = errors.New("store is read-only")
)

// RawStore represents a keyed byte store.
// Implementations must support concurrent reads of distinct keys
type RawStore interface {
	// Store fully consumes r and replaces any prior value of key.
	// It returns the number of bytes consumed
	Store(key string, r io.Reader) (int64, error)
	// Load returns a reader over the value of key.
	// The caller owns the reader and must close it
	Load(key string) (io.ReadCloser, error)
	// LoadRange returns a reader over n bytes of the value of key,
	// starting at off. A negative n means "until the end"
	LoadRange(key string, off, n int64) (io.ReadCloser, error)
	// Has returns whether the key has a value
	Has(key string) (bool, error)
	// Delete removes the value of key.
	// Deleting an absent key returns ErrKeyNotFound
	Delete(key string) error
	// Keys returns all the keys that have a value
	Keys() ([]string, error)
	// Size returns the size of the value of key, in bytes
	Size(key string) (int64, error)
}
