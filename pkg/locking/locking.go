// Package locking provides the exclusive locks merges take over the subjects they touch
package locking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// ErrNotAcquired is returned when a lock cannot be taken within the configured wait
var ErrNotAcquired = errors.New("lock not acquired")

// Lock is a held lock over one or more keys
type Lock interface {
	Release(ctx context.Context) error
}

// Locker takes all-or-nothing locks over a set of keys
type Locker interface {
	Acquire(ctx context.Context, keys []string) (Lock, error)
}

// Options bound how long a lock is held and how long Acquire waits for it
type Options struct {
	TTL     time.Duration
	Wait    time.Duration
	Backoff time.Duration
}

// DefaultOptions matches the MERGE_LOCK_TTL and MERGE_LOCK_WAIT defaults
func DefaultOptions() Options {
	return Options{
		TTL:     30 * time.Second,
		Wait:    5 * time.Second,
		Backoff: 50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.Wait < 0 {
		o.Wait = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// SubjectKeys returns the sorted, de-duplicated lock keys for a set of subjects.
// Acquiring in a fixed order keeps concurrent merges from deadlocking.
func SubjectKeys(ids []int64) []string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	keys := make([]string, len(sorted))
	for i, id := range sorted {
		keys[i] = "thistle:merge:subject:" + strconv.FormatInt(id, 10)
	}
	return keys
}

func notAcquired(keys []string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w on %v: %v", ErrNotAcquired, keys, cause)
	}
	return fmt.Errorf("%w on %v", ErrNotAcquired, keys)
}
