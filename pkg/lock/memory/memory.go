package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/conduitnet/conduit/pkg/lock"
)

var _ lock.Service = (*Service)(nil)

// Service is an in-process lock.Service. Each key maps to a semaphore of
// capacity one; waiters block on the channel rather than busy-polling.
type Service struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// New creates an in-memory lock service.
func New() *Service {
	return &Service{locks: make(map[string]*keyLock)}
}

func (s *Service) Acquire(ctx context.Context, key string) (lock.Handle, error) {
	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		return &handle{service: s, keyLock: kl, key: key}, nil
	case <-ctx.Done():
		s.put(key, kl)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, lock.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// put drops one reference to a key lock and forgets the key once unused.
func (s *Service) put(key string, kl *keyLock) {
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

type handle struct {
	service  *Service
	keyLock  *keyLock
	key      string
	released sync.Once
}

func (h *handle) Key() string {
	return h.key
}

func (h *handle) Release() error {
	h.released.Do(func() {
		<-h.keyLock.sem
		h.service.put(h.key, h.keyLock)
	})
	return nil
}
