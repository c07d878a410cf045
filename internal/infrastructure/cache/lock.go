package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript deletes the lock key only when it still holds our token,
// so an expired-and-reacquired lock is never released by the old holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// refreshScript extends the TTL only while we still hold the lock.
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// DistributedLock is a best-effort mutual exclusion primitive over the
// cache backend. Partition maintenance uses it so only one node rolls
// partitions at a time.
type DistributedLock struct {
	backend Backend
	logger  *zap.Logger
	name    string
	key     string
	token   string
	ttl     time.Duration
}

// NewDistributedLock creates a lock named name with the given hold TTL.
func NewDistributedLock(backend Backend, name string, ttl time.Duration, logger *zap.Logger) *DistributedLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DistributedLock{
		backend: backend,
		logger:  logger,
		name:    name,
		key:     LockPrefix + name,
		ttl:     ttl,
	}
}

// Acquire attempts to take the lock once. It returns ErrLockNotAcquired
// when another holder owns it.
func (l *DistributedLock) Acquire(ctx context.Context) error {
	token := uuid.New().String()

	ok, err := l.backend.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
	}
	if !ok {
		return ErrLockNotAcquired{Name: l.name}
	}

	l.token = token
	l.logger.Debug("acquired distributed lock",
		zap.String("lock", l.name),
		zap.Duration("ttl", l.ttl))
	return nil
}

// AcquireWait retries Acquire with a fixed interval until it succeeds,
// the deadline passes, or ctx is canceled.
func (l *DistributedLock) AcquireWait(ctx context.Context, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		err := l.Acquire(ctx)
		if err == nil {
			return nil
		}
		if _, notAcquired := err.(ErrLockNotAcquired); !notAcquired {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired{Name: l.name}
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh extends the hold TTL while we still own the lock.
func (l *DistributedLock) Refresh(ctx context.Context) error {
	if l.token == "" {
		return fmt.Errorf("lock %s not held", l.name)
	}

	res, err := l.backend.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", l.name, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		l.token = ""
		return fmt.Errorf("lock %s lost before refresh", l.name)
	}
	return nil
}

// Release gives the lock up. Releasing a lock we no longer hold is not an
// error; the hold simply expired.
func (l *DistributedLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""

	res, err := l.backend.Eval(ctx, releaseScript, []string{l.key}, token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		l.logger.Warn("lock expired before release",
			zap.String("lock", l.name))
	}
	return nil
}

// Held reports whether this instance believes it owns the lock. The hold
// may still have expired server-side.
func (l *DistributedLock) Held() bool {
	return l.token != ""
}
