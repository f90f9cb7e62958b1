package locking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/internal/testinfra"
)

func quietLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestRedisLocker(t *testing.T) {
	rdb := testinfra.Redis(t)
	ctx := context.Background()
	opts := Options{TTL: time.Minute, Wait: 150 * time.Millisecond, Backoff: 20 * time.Millisecond}

	t.Run("acquire and release", func(t *testing.T) {
		locker := NewRedisLocker(rdb, opts, quietLogger())
		keys := SubjectKeys([]int64{1, 2})

		l, err := locker.Acquire(ctx, keys)
		require.NoError(t, err)
		for _, k := range keys {
			assert.Equal(t, int64(1), rdb.Exists(ctx, k).Val(), k)
		}

		require.NoError(t, l.Release(ctx))
		for _, k := range keys {
			assert.Equal(t, int64(0), rdb.Exists(ctx, k).Val(), k)
		}
	})

	t.Run("held key times out as not acquired", func(t *testing.T) {
		locker := NewRedisLocker(rdb, opts, quietLogger())
		held, err := locker.Acquire(ctx, SubjectKeys([]int64{3}))
		require.NoError(t, err)
		defer held.Release(ctx)

		start := time.Now()
		_, err = locker.Acquire(ctx, SubjectKeys([]int64{3}))
		assert.True(t, errors.Is(err, ErrNotAcquired))
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("partial acquire is rolled back", func(t *testing.T) {
		locker := NewRedisLocker(rdb, opts, quietLogger())
		held, err := locker.Acquire(ctx, SubjectKeys([]int64{5}))
		require.NoError(t, err)

		// keys are taken in order, so 4 is obtained before 5 blocks
		_, err = locker.Acquire(ctx, SubjectKeys([]int64{4, 5}))
		require.True(t, errors.Is(err, ErrNotAcquired))
		assert.Equal(t, int64(0), rdb.Exists(ctx, SubjectKeys([]int64{4})[0]).Val())

		require.NoError(t, held.Release(ctx))
		l, err := locker.Acquire(ctx, SubjectKeys([]int64{4, 5}))
		require.NoError(t, err)
		assert.NoError(t, l.Release(ctx))
	})

	t.Run("release leaves a key taken by another holder", func(t *testing.T) {
		short := Options{TTL: 100 * time.Millisecond, Wait: 150 * time.Millisecond, Backoff: 20 * time.Millisecond}
		locker := NewRedisLocker(rdb, short, quietLogger())
		stale, err := locker.Acquire(ctx, SubjectKeys([]int64{6}))
		require.NoError(t, err)

		time.Sleep(200 * time.Millisecond)
		current, err := NewRedisLocker(rdb, opts, quietLogger()).Acquire(ctx, SubjectKeys([]int64{6}))
		require.NoError(t, err)

		require.NoError(t, stale.Release(ctx))
		assert.Equal(t, int64(1), rdb.Exists(ctx, SubjectKeys([]int64{6})[0]).Val())
		assert.NoError(t, current.Release(ctx))
	})
}

func TestRedisLocker_StoreDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	locker := NewRedisLocker(rdb, Options{TTL: time.Minute, Wait: time.Second, Backoff: 20 * time.Millisecond}, quietLogger())
	_, err := locker.Acquire(context.Background(), SubjectKeys([]int64{1}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotAcquired), "an unreachable store is not a lock conflict")
}
