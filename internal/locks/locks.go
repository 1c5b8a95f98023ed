// Package locks provides TTL-bound distributed locks over a shared store.
//
// Locks coordinate multiple stateless service instances: whichever process
// sets the key first owns it until it releases or the TTL elapses. Acquire
// never returns an error; if the store is unreachable the answer is "not
// acquired" so schedulers skip a tick instead of crash-looping.
package locks

import (
	"context"
	"time"
)

// Locker is the mutual-exclusion contract used by the retry and cleanup
// schedulers.
type Locker interface {
	// Acquire atomically sets key if absent with the given TTL. Returns
	// true iff the caller now holds the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) bool

	// Release removes a lock this process holds. Releasing a lock held by
	// another process, or not held at all, is a no-op.
	Release(ctx context.Context, key string)
}

// Lock key layout, kept in one place so operators can find them in Redis.
const (
	RetrySchedulerKey = "wallet:retry:scheduler"
	CleanupRunKey     = "wallet:cleanup:run"
	CleanupMarkerKey  = "wallet:cleanup:lastrun"
)

// JobKey returns the per-job lock key for a retry job's natural key.
func JobKey(platformTxID, apiAction string) string {
	return "wallet:retry:job:" + platformTxID + ":" + apiAction
}
