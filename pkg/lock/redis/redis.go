package redis

import (
	"context"
	"errors"
	"time"

	"github.com/conduitnet/conduit/pkg/lock"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

const keyPrefix = "conduit:lock:"

var _ lock.Service = (*Service)(nil)

// Service is a redis-backed lock.Service for deployments where more than one
// process may act on the same channel, built on the redlock algorithm.
type Service struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// New creates a redis lock service. expiry bounds how long a crashed holder
// can keep a channel locked.
func New(client goredislib.UniversalClient, expiry time.Duration) *Service {
	pool := goredis.NewPool(client)
	return &Service{
		rs:     redsync.New(pool),
		expiry: expiry,
	}
}

func (s *Service) Acquire(ctx context.Context, key string) (lock.Handle, error) {
	mutex := s.rs.NewMutex(
		keyPrefix+key,
		redsync.WithExpiry(s.expiry),
		redsync.WithTries(64),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, redsync.ErrFailed) {
			return nil, lock.ErrTimeout
		}
		return nil, err
	}
	return &handle{mutex: mutex, key: key}, nil
}

type handle struct {
	mutex *redsync.Mutex
	key   string
}

func (h *handle) Key() string {
	return h.key
}

func (h *handle) Release() error {
	_, err := h.mutex.Unlock()
	return err
}
