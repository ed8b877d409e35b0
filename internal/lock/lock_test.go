package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	release, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = l.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "sweep", time.Minute)
	assert.NoError(t, err)
}

func TestLocalLockerExpiredHolderCannotRelease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	_, err = l.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
}

// Нужен живой Redis: REDIS_ADDR=localhost:6379 go test ./internal/lock
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR не задан")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	l := NewRedisLocker(rdb, "bookswap:test:")
	release, err := l.Acquire(ctx, "sweep", 5*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "sweep", 5*time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	release, err = l.Acquire(ctx, "sweep", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
