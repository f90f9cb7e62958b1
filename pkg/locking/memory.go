package locking

import (
	"context"
	"sync"
	"time"

	"github.com/Ramsey-B/thistle/pkg/metrics"
)

// MemoryLocker serialises merges inside one process
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]holder
	token uint64
	opts  Options
	now   func() time.Time
}

// holder records which acquisition owns a key and until when
type holder struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker(opts Options) *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]holder),
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

type memoryLock struct {
	locker *MemoryLocker
	keys   []string
	token  uint64
	once   sync.Once
}

// Release frees only the keys this acquisition still owns. A key that expired and was
// taken by another merge is left alone.
func (l *memoryLock) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		for _, k := range l.keys {
			if h, ok := l.locker.held[k]; ok && h.token == l.token {
				delete(l.locker.held, k)
			}
		}
	})
	return nil
}

// tryAcquire takes every key or none and returns the owning token. Expired entries are
// treated as free.
func (m *MemoryLocker) tryAcquire(keys []string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, k := range keys {
		if h, ok := m.held[k]; ok && now.Before(h.expires) {
			return 0, false
		}
	}
	m.token++
	for _, k := range keys {
		m.held[k] = holder{token: m.token, expires: now.Add(m.opts.TTL)}
	}
	return m.token, true
}

func (m *MemoryLocker) Acquire(ctx context.Context, keys []string) (Lock, error) {
	start := time.Now()
	deadline := start.Add(m.opts.Wait)

	for {
		if token, ok := m.tryAcquire(keys); ok {
			metrics.RecordLockWait("memory", "acquired", time.Since(start).Seconds())
			return &memoryLock{locker: m, keys: keys, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			metrics.RecordLockWait("memory", "timeout", time.Since(start).Seconds())
			return nil, notAcquired(keys, nil)
		}

		wait := min(m.opts.Backoff, time.Until(deadline))
		select {
		case <-ctx.Done():
			metrics.RecordLockWait("memory", "cancelled", time.Since(start).Seconds())
			return nil, notAcquired(keys, ctx.Err())
		case <-time.After(wait):
		}
	}
}

var _ Locker = (*MemoryLocker)(nil)
