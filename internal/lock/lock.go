// Package lock implements the control plane's distributed lock and
// ephemeral KV: named mutual-exclusion locks with TTL/refresh (the
// Redis `SET NX PX` idiom), plus the specialized streaming content,
// cancel-flag, and task-streaming-registry keys.
package lock

import (
	"context"
	"time"
)

// Specialized KV key names.
const (
	LockCheckDueSubscriptions = "check_due_subscriptions"
	LockStartupInitialization = "startup_initialization"
)

func KeyStreamingContent(subtaskID int64) string { return "streaming:content:" + itoa(subtaskID) }
func KeyStreamingCancel(subtaskID int64) string   { return "streaming:cancel:" + itoa(subtaskID) }
func KeyTaskStreaming(taskID int64) string        { return "task:streaming:" + itoa(taskID) }

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Locker is the named mutual-exclusion contract.
type Locker interface {
	// Acquire attempts an atomic set-if-absent with expiry, returning a
	// token to prove ownership on release, or ok=false if already held.
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	// Extend renews the TTL of a held lock; required for long scans.
	Extend(ctx context.Context, name, token string, ttl time.Duration) error
	// Release is a no-op if the lock isn't held by token.
	Release(ctx context.Context, name, token string) error
}

// KV is the ephemeral key-value contract.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// Store bundles Locker and KV since both backends (Redis, in-memory)
// implement both with the same underlying primitive.
type Store interface {
	Locker
	KV
	Close() error
}
