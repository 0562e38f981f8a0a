package lock

import (
	"context"
	"errors"
)

// ErrTimeout is returned when a lock could not be acquired before the
// caller's deadline.
var ErrTimeout = errors.New("lock: acquire timeout")

// Handle represents a held lock. Release must be called exactly once.
type Handle interface {
	// Key returns the identifier the lock was acquired for.
	Key() string
	// Release gives the lock up.
	Release() error
}

// Service grants a single exclusive lock per key. Waiting for a contended
// lock is cooperative and aborts when ctx is done, surfaced as ErrTimeout
// when the deadline passed.
type Service interface {
	Acquire(ctx context.Context, key string) (Handle, error)
}
