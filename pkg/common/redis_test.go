package common

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

func newTestRedis(t *testing.T) *RedisClient {
	t.Helper()

	s := miniredis.RunT(t)
	rdb, err := NewRedisClient(types.RedisConfig{
		Addrs: []string{s.Addr()},
		Mode:  types.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestNewRedisClientRequiresAddrs(t *testing.T) {
	_, err := NewRedisClient(types.RedisConfig{})
	assert.Error(t, err)
}

func TestRedisSubscribe(t *testing.T) {
	rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, errs := rdb.Subscribe(ctx, "test-channel")
	require.NoError(t, rdb.Publish(ctx, "test-channel", "hello").Err())

	select {
	case msg := <-msgs:
		assert.Equal(t, "hello", msg.Payload)
	case err := <-errs:
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisLock(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	first := NewRedisLock(rdb)
	second := NewRedisLock(rdb)

	key := Keys.InstanceCreateLock()
	require.NoError(t, first.Acquire(ctx, key, RedisLockOptions{TtlS: 10}))
	assert.Error(t, second.Acquire(ctx, key, RedisLockOptions{TtlS: 10}))

	require.NoError(t, first.Release(key))
	require.NoError(t, second.Acquire(ctx, key, RedisLockOptions{TtlS: 10}))
	require.NoError(t, second.Release(key))

	assert.ErrorIs(t, first.Release(key), ErrLockNotHeld)
}
