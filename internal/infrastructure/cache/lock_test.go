package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDistributedLock_AcquireRelease(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	lock := NewDistributedLock(backend, "partition-maintenance", time.Minute, logger)

	require.NoError(t, lock.Acquire(ctx))
	assert.True(t, lock.Held())

	exists, err := backend.Exists(ctx, LockPrefix+"partition-maintenance")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.Held())

	exists, err = backend.Exists(ctx, LockPrefix+"partition-maintenance")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDistributedLock_Contention(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	first := NewDistributedLock(backend, "maintenance", time.Minute, logger)
	second := NewDistributedLock(backend, "maintenance", time.Minute, logger)

	require.NoError(t, first.Acquire(ctx))

	err := second.Acquire(ctx)
	var notAcquired ErrLockNotAcquired
	require.ErrorAs(t, err, &notAcquired)
	assert.Equal(t, "maintenance", notAcquired.Name)

	// Once the holder releases, the other node can take it.
	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
}

func TestDistributedLock_ReleaseOnlyOwnToken(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	lock := NewDistributedLock(backend, "maintenance", 50*time.Millisecond, logger)
	require.NoError(t, lock.Acquire(ctx))

	// Simulate hold expiry followed by another node acquiring.
	mr.FastForward(time.Second)
	other := NewDistributedLock(backend, "maintenance", time.Minute, logger)
	require.NoError(t, other.Acquire(ctx))

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, lock.Release(ctx))
	exists, err := backend.Exists(ctx, LockPrefix+"maintenance")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDistributedLock_Refresh(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	lock := NewDistributedLock(backend, "maintenance", 200*time.Millisecond, logger)
	require.NoError(t, lock.Acquire(ctx))
	require.NoError(t, lock.Refresh(ctx))

	// A lost lock cannot be refreshed.
	mr.FastForward(time.Second)
	err := lock.Refresh(ctx)
	assert.Error(t, err)
	assert.False(t, lock.Held())
}

func TestDistributedLock_AcquireWait(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	holder := NewDistributedLock(backend, "maintenance", time.Minute, logger)
	require.NoError(t, holder.Acquire(ctx))

	waiter := NewDistributedLock(backend, "maintenance", time.Minute, logger)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Release(context.Background())
	}()

	err := waiter.AcquireWait(ctx, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, waiter.Held())
}

func TestDistributedLock_AcquireWaitTimeout(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	holder := NewDistributedLock(backend, "maintenance", time.Minute, logger)
	require.NoError(t, holder.Acquire(ctx))

	waiter := NewDistributedLock(backend, "maintenance", time.Minute, logger)
	err := waiter.AcquireWait(ctx, 50*time.Millisecond, 10*time.Millisecond)

	var notAcquired ErrLockNotAcquired
	assert.ErrorAs(t, err, &notAcquired)
}
