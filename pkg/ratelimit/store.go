package ratelimit

import (
	"context"
	"time"
)

// Window is the state of one identifier's counter after an event was recorded.
type Window struct {
	// Count includes the event that was just recorded.
	Count   int64
	ResetAt time.Time
}

// CounterStore records events per key and reports how many fall inside the
// current window. Implementations must make Hit atomic per key.
type CounterStore interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
	// Flush removes every counter whose key starts with prefix.
	Flush(ctx context.Context, prefix string) error
}

// Backend picks the primary store once at startup: the shared Redis store when
// the deployment is distributed and one was built, the local store otherwise.
func Backend(distributed bool, shared *RedisStore, local *MemoryStore) CounterStore {
	if distributed && shared != nil {
		return shared
	}
	return local
}
