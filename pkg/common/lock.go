package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

var ErrLockNotHeld = errors.New("lock not held")

type RedisLockOptions struct {
	TtlS    int
	Retries int
}

// RedisLock tracks the locks obtained by this process so they can be released by key.
type RedisLock struct {
	locker *redislock.Client
	locks  map[string]*redislock.Lock
	mu     sync.Mutex
}

func NewRedisLock(client *RedisClient) *RedisLock {
	return &RedisLock{
		locker: redislock.New(client),
		locks:  make(map[string]*redislock.Lock),
	}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, opts RedisLockOptions) error {
	ttl := time.Duration(opts.TtlS) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	retry := redislock.NoRetry()
	if opts.Retries > 0 {
		retry = redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), opts.Retries)
	}

	lock, err := l.locker.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: retry})
	if err != nil {
		return fmt.Errorf("obtain %s: %w", key, err)
	}

	l.mu.Lock()
	l.locks[key] = lock
	l.mu.Unlock()
	return nil
}

func (l *RedisLock) Release(key string) error {
	l.mu.Lock()
	lock, ok := l.locks[key]
	delete(l.locks, key)
	l.mu.Unlock()

	if !ok {
		return ErrLockNotHeld
	}
	return lock.Release(context.Background())
}
