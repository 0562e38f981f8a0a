package storage

import (
	"errors"
	"io"
)

// ErrNotFound is returned when no value for the requested key exists.
var ErrNotFound = errors.New("storage: not found")

// StateStorer is a durable key/value store for small JSON serializable state.
// Values implementing encoding.BinaryMarshaler/BinaryUnmarshaler are stored in
// their binary form, everything else falls back to JSON.
type StateStorer interface {
	Get(key string, i interface{}) error
	Put(key string, i interface{}) error
	Delete(key string) error
	Iterate(prefix string, iterFunc StateIterFunc) error
	io.Closer
}

// StateIterFunc is called on each key/value pair during iteration. Returning
// stop=true terminates the iteration.
type StateIterFunc func(key, value []byte) (stop bool, err error)
