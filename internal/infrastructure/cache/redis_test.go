package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBackend(t *testing.T) (Backend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backend, err := NewRedisBackend(client, zaptest.NewLogger(t))
	require.NoError(t, err)
	return backend, mr
}

func TestRedisBackend_GetSetEx(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()

	err := backend.SetEx(ctx, "k1", "v1", time.Minute)
	require.NoError(t, err)

	got, err := backend.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// Expiry is honored.
	mr.FastForward(2 * time.Minute)
	_, err = backend.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheKeyNotFound{Key: "k1"})
}

func TestRedisBackend_MissingKey(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.Get(context.Background(), "absent")
	var notFound ErrCacheKeyNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "absent", notFound.Key)
}

func TestRedisBackend_Delete(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.SetEx(ctx, "a", "1", time.Minute))
	require.NoError(t, backend.SetEx(ctx, "b", "2", time.Minute))

	require.NoError(t, backend.Delete(ctx, "a", "b"))

	exists, err := backend.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisBackend_Keys(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.SetEx(ctx, QueryPrefix+"one", "1", time.Minute))
	require.NoError(t, backend.SetEx(ctx, QueryPrefix+"two", "2", time.Minute))
	require.NoError(t, backend.SetEx(ctx, "other", "3", time.Minute))

	keys, err := backend.Keys(ctx, QueryPrefix+"*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{QueryPrefix + "one", QueryPrefix + "two"}, keys)
}

func TestRedisBackend_SetNX(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	ok, err := backend.SetNX(ctx, "nx", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.SetNX(ctx, "nx", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := backend.Get(ctx, "nx")
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestRedisBackend_JSON(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, backend.SetJSON(ctx, "p", payload{Name: "events", Count: 7}, time.Minute))

	var decoded payload
	require.NoError(t, backend.GetJSON(ctx, "p", &decoded))
	assert.Equal(t, "events", decoded.Name)
	assert.Equal(t, 7, decoded.Count)
}

func TestRedisBackend_Eval(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.SetEx(ctx, "counter", "41", time.Minute))

	res, err := backend.Eval(ctx, `return redis.call("INCR", KEYS[1])`, []string{"counter"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res)
}
