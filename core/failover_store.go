package core

import (
	"context"
	"sync/atomic"
	"time"
)

// FailoverStore delegates to a primary (shared) store and degrades to a
// process-local MemoryStore when the primary errors. Single-node correctness
// is preserved in degraded mode; visibility across instances is lost until
// the primary recovers. Recovery is detected on the next successful call.
type FailoverStore struct {
	primary  Store
	fallback *MemoryStore
	logger   Logger
	degraded atomic.Bool
}

// NewFailoverStore wraps primary with a process-local fallback
func NewFailoverStore(primary Store, logger Logger) *FailoverStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &FailoverStore{
		primary:  primary,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

// Degraded reports whether the store is currently serving from the fallback
func (f *FailoverStore) Degraded() bool {
	return f.degraded.Load()
}

func (f *FailoverStore) markUp() {
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("Shared store recovered", map[string]interface{}{
			"mode": "primary",
		})
	}
}

func (f *FailoverStore) markDown(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("Shared store unreachable, degrading to process-local store", map[string]interface{}{
			"error": err.Error(),
			"mode":  "fallback",
		})
	}
}

func (f *FailoverStore) Get(ctx context.Context, key string) (string, error) {
	if v, err := f.primary.Get(ctx, key); err == nil {
		f.markUp()
		return v, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Get(ctx, key)
}

func (f *FailoverStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Set(ctx, key, value, ttl)
}

func (f *FailoverStore) Delete(ctx context.Context, key string) error {
	if err := f.primary.Delete(ctx, key); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Delete(ctx, key)
}

func (f *FailoverStore) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := f.primary.Exists(ctx, key); err == nil {
		f.markUp()
		return ok, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Exists(ctx, key)
}

func (f *FailoverStore) Incr(ctx context.Context, key string) (int64, error) {
	if n, err := f.primary.Incr(ctx, key); err == nil {
		f.markUp()
		return n, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Incr(ctx, key)
}

func (f *FailoverStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.primary.Expire(ctx, key, ttl); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Expire(ctx, key, ttl)
}

func (f *FailoverStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if keys, err := f.primary.Scan(ctx, prefix); err == nil {
		f.markUp()
		return keys, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.Scan(ctx, prefix)
}

func (f *FailoverStore) LPush(ctx context.Context, key string, values ...string) error {
	if err := f.primary.LPush(ctx, key, values...); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.LPush(ctx, key, values...)
}

func (f *FailoverStore) RPush(ctx context.Context, key string, values ...string) error {
	if err := f.primary.RPush(ctx, key, values...); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.RPush(ctx, key, values...)
}

func (f *FailoverStore) LPop(ctx context.Context, key string) (string, error) {
	if v, err := f.primary.LPop(ctx, key); err == nil {
		f.markUp()
		return v, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.LPop(ctx, key)
}

func (f *FailoverStore) RPop(ctx context.Context, key string) (string, error) {
	if v, err := f.primary.RPop(ctx, key); err == nil {
		f.markUp()
		return v, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.RPop(ctx, key)
}

func (f *FailoverStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if vs, err := f.primary.LRange(ctx, key, start, stop); err == nil {
		f.markUp()
		return vs, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.LRange(ctx, key, start, stop)
}

func (f *FailoverStore) LRem(ctx context.Context, key string, value string) (int64, error) {
	if n, err := f.primary.LRem(ctx, key, value); err == nil {
		f.markUp()
		return n, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.LRem(ctx, key, value)
}

func (f *FailoverStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := f.primary.LTrim(ctx, key, start, stop); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.LTrim(ctx, key, start, stop)
}

func (f *FailoverStore) LLen(ctx context.Context, key string) (int64, error) {
	if n, err := f.primary.LLen(ctx, key); err == nil {
		f.markUp()
		return n, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.LLen(ctx, key)
}

func (f *FailoverStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	if err := f.primary.ZAdd(ctx, key, members...); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.ZAdd(ctx, key, members...)
}

func (f *FailoverStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if vs, err := f.primary.ZRange(ctx, key, start, stop); err == nil {
		f.markUp()
		return vs, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.ZRange(ctx, key, start, stop)
}

func (f *FailoverStore) ZPopMin(ctx context.Context, key string) (*ZMember, error) {
	if m, err := f.primary.ZPopMin(ctx, key); err == nil {
		f.markUp()
		return m, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.ZPopMin(ctx, key)
}

func (f *FailoverStore) ZRem(ctx context.Context, key string, member string) (int64, error) {
	if n, err := f.primary.ZRem(ctx, key, member); err == nil {
		f.markUp()
		return n, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.ZRem(ctx, key, member)
}

func (f *FailoverStore) ZRank(ctx context.Context, key string, member string) (int64, error) {
	if rank, err := f.primary.ZRank(ctx, key, member); err == nil {
		f.markUp()
		return rank, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.ZRank(ctx, key, member)
}

func (f *FailoverStore) ZCard(ctx context.Context, key string) (int64, error) {
	if n, err := f.primary.ZCard(ctx, key); err == nil {
		f.markUp()
		return n, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.ZCard(ctx, key)
}

func (f *FailoverStore) SAdd(ctx context.Context, key string, members ...string) error {
	if err := f.primary.SAdd(ctx, key, members...); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.SAdd(ctx, key, members...)
}

func (f *FailoverStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := f.primary.SRem(ctx, key, members...); err == nil {
		f.markUp()
		return nil
	} else {
		f.markDown(err)
	}
	return f.fallback.SRem(ctx, key, members...)
}

func (f *FailoverStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	if ok, err := f.primary.SIsMember(ctx, key, member); err == nil {
		f.markUp()
		return ok, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.SIsMember(ctx, key, member)
}

func (f *FailoverStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if vs, err := f.primary.SMembers(ctx, key); err == nil {
		f.markUp()
		return vs, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.SMembers(ctx, key)
}

func (f *FailoverStore) SCard(ctx context.Context, key string) (int64, error) {
	if n, err := f.primary.SCard(ctx, key); err == nil {
		f.markUp()
		return n, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.SCard(ctx, key)
}

func (f *FailoverStore) SInter(ctx context.Context, keys ...string) ([]string, error) {
	if vs, err := f.primary.SInter(ctx, keys...); err == nil {
		f.markUp()
		return vs, nil
	} else {
		f.markDown(err)
	}
	return f.fallback.SInter(ctx, keys...)
}
