package cache

import (
	"context"
	"time"
)

// Backend is the key-value contract the pipeline needs from its cache store:
// plain get/set-with-ttl/delete, pattern scans for invalidation, and the
// atomic SetNX the distributed lock is built on.
type Backend interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) (string, error)

	// SetEx stores a value with a TTL
	SetEx(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes one or more keys
	Delete(ctx context.Context, keys ...string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching a glob pattern
	Keys(ctx context.Context, pattern string) ([]string, error)

	// SetNX sets a value only if the key doesn't exist (atomic)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Eval runs a server-side script; the lock release path uses it for
	// compare-and-delete semantics
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// GetJSON retrieves and unmarshals JSON data
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Close closes the backend connection
	Close() error
}

// Key prefixes for consistent cache key naming
const (
	QueryPrefix = "audit:query:"
	LockPrefix  = "audit:lock:"
)

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}

// ErrLockNotAcquired is returned when a distributed lock is already held
type ErrLockNotAcquired struct {
	Name string
}

func (e ErrLockNotAcquired) Error() string {
	return "lock not acquired: " + e.Name
}
