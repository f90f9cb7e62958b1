package locking

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/thistle/pkg/metrics"
)

// RedisLocker takes merge locks in Redis so every engine instance sees them
type RedisLocker struct {
	client *redislock.Client
	opts   Options
	logger ectologger.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, opts Options, logger ectologger.Logger) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

type redisLock struct {
	locks  []*redislock.Lock
	logger ectologger.Logger
}

func (l *redisLock) Release(ctx context.Context) error {
	var errs []error
	// release in reverse acquisition order
	for i := len(l.locks) - 1; i >= 0; i-- {
		if err := l.locks[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		l.logger.WithContext(ctx).WithError(err).Warn("Failed to release merge lock")
		return err
	}
	return nil
}

// Acquire obtains every key in order, retrying each with linear backoff until the
// shared wait budget is spent. Keys already taken are released on failure.
func (r *RedisLocker) Acquire(ctx context.Context, keys []string) (Lock, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, r.opts.Wait)
	defer cancel()

	retries := max(int(r.opts.Wait/r.opts.Backoff), 0)
	held := &redisLock{logger: r.logger}

	for _, key := range keys {
		lock, err := r.client.Obtain(waitCtx, key, r.opts.TTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.opts.Backoff), retries),
		})
		if err != nil {
			_ = held.Release(context.WithoutCancel(ctx))

			status := "error"
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				status = "timeout"
			}
			metrics.RecordLockWait("redis", status, time.Since(start).Seconds())

			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"key": key,
			}).Warn("Could not obtain merge lock")

			if status == "timeout" || ctx.Err() != nil {
				return nil, notAcquired(keys, nil)
			}
			return nil, err
		}
		held.locks = append(held.locks, lock)
	}

	metrics.RecordLockWait("redis", "acquired", time.Since(start).Seconds())
	return held, nil
}

var _ Locker = (*RedisLocker)(nil)
