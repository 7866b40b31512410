package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upload-dispatcher/internal/apperr"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "lock:"), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	token, err := l.Acquire(ctx, "pool:a", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = l.Acquire(ctx, "pool:a", time.Minute)
	assert.True(t, errors.Is(err, apperr.ErrLockUnavailable))

	require.NoError(t, l.Release(ctx, "pool:a", token))
	_, err = l.Acquire(ctx, "pool:a", time.Minute)
	assert.NoError(t, err)
}

func TestReleaseWithStaleTokenKeepsLock(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	_, err := l.Acquire(ctx, "task:1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "task:1", "not-the-owner"))
	_, err = l.Acquire(ctx, "task:1", time.Minute)
	assert.True(t, errors.Is(err, apperr.ErrLockUnavailable))
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	token, err := l.Acquire(ctx, "pool:b", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = l.Acquire(ctx, "pool:b", time.Second)
	require.NoError(t, err)

	err = l.Extend(ctx, "pool:b", token, time.Minute)
	assert.True(t, errors.Is(err, apperr.ErrLockUnavailable), "old holder must not extend a lock it lost")
}

func TestExtendKeepsHolderAlive(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	token, err := l.Acquire(ctx, "pool:c", 2*time.Second)
	require.NoError(t, err)

	mr.FastForward(time.Second)
	require.NoError(t, l.Extend(ctx, "pool:c", token, 10*time.Second))
	mr.FastForward(5 * time.Second)

	_, err = l.Acquire(ctx, "pool:c", time.Second)
	assert.True(t, errors.Is(err, apperr.ErrLockUnavailable))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "contended", time.Minute); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	ran := false
	err := WithLock(ctx, l, "maint:clean", time.Minute, func(ctx context.Context) error {
		inner := WithLock(ctx, l, "maint:clean", time.Minute, func(context.Context) error {
			t.Fatal("nested holder must not run")
			return nil
		})
		assert.True(t, errors.Is(inner, apperr.ErrLockUnavailable))
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, err = l.Acquire(ctx, "maint:clean", time.Minute)
	assert.NoError(t, err, "lock released after fn")
}
