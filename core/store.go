// Package core provides the shared primitives used by every engine component:
// structured logging, error classification, the shared key-value store
// abstraction with Redis and in-process backends, and the in-process event bus.
//
// Store semantics:
//   - Every operation is atomic per call.
//   - Values are opaque strings; consumers serialize their own records.
//   - Get returns ("", nil) for a missing key, matching Redis GET semantics
//     flattened through the fallback store.
package core

import (
	"context"
	"time"
)

// ZMember is a member of a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}

// Store is the shared mapping store abstraction. It covers the key-value,
// list, sorted-set and set operations the engine components rely on.
// Implementations: RedisStore (cross-instance), MemoryStore (process-local),
// FailoverStore (Redis with process-local degradation).
type Store interface {
	// Key-value
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, value string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZPopMin(ctx context.Context, key string) (*ZMember, error)
	ZRem(ctx context.Context, key string, member string) (int64, error)
	ZRank(ctx context.Context, key string, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key string, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SInter(ctx context.Context, keys ...string) ([]string, error)
}
