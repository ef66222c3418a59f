package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on top of go-redis with key namespacing.
// All keys are automatically prefixed with the namespace to prevent
// collisions between engine deployments sharing one Redis.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis store
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string // Key namespace for organization, e.g. "maestro"
	Logger    Logger // Optional logger
}

// NewRedisStore creates a Redis-backed store and verifies connectivity
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err.Error(),
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":     err.Error(),
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	opts.Logger.Info("Redis store connected", map[string]interface{}{
		"namespace": opts.Namespace,
	})

	return &RedisStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests with miniredis)
func NewRedisStoreFromClient(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace, logger: &NoOpLogger{}}
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping verifies Redis connectivity
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// formatKey formats a key with the namespace
func (r *RedisStore) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.formatKey(key)).Err()
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.formatKey(key)).Result()
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

func (r *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	pattern := r.formatKey(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// Strip the namespace so callers see logical keys
	if r.namespace != "" {
		for i, k := range keys {
			keys[i] = strings.TrimPrefix(k, r.namespace+":")
		}
	}
	return keys, nil
}

// --- Lists ---

func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return r.client.LPush(ctx, r.formatKey(key), toInterfaces(values)...).Err()
}

func (r *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return r.client.RPush(ctx, r.formatKey(key), toInterfaces(values)...).Err()
}

func (r *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	val, err := r.client.LPop(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	val, err := r.client.RPop(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, r.formatKey(key), start, stop).Result()
}

func (r *RedisStore) LRem(ctx context.Context, key string, value string) (int64, error) {
	return r.client.LRem(ctx, r.formatKey(key), 0, value).Result()
}

func (r *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, r.formatKey(key), start, stop).Err()
}

func (r *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, r.formatKey(key)).Result()
}

// --- Sorted sets ---

func (r *RedisStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]*redis.Z, len(members))
	for i, member := range members {
		zs[i] = &redis.Z{Score: member.Score, Member: member.Member}
	}
	return r.client.ZAdd(ctx, r.formatKey(key), zs...).Err()
}

func (r *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRange(ctx, r.formatKey(key), start, stop).Result()
}

func (r *RedisStore) ZPopMin(ctx context.Context, key string) (*ZMember, error) {
	res, err := r.client.ZPopMin(ctx, r.formatKey(key), 1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	member, _ := res[0].Member.(string)
	return &ZMember{Score: res[0].Score, Member: member}, nil
}

func (r *RedisStore) ZRem(ctx context.Context, key string, member string) (int64, error) {
	return r.client.ZRem(ctx, r.formatKey(key), member).Result()
}

func (r *RedisStore) ZRank(ctx context.Context, key string, member string) (int64, error) {
	rank, err := r.client.ZRank(ctx, r.formatKey(key), member).Result()
	if err == redis.Nil {
		return -1, nil
	}
	return rank, err
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.formatKey(key)).Result()
}

// --- Sets ---

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, r.formatKey(key), toInterfaces(members)...).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return r.client.SRem(ctx, r.formatKey(key), toInterfaces(members)...).Err()
}

func (r *RedisStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	return r.client.SIsMember(ctx, r.formatKey(key), member).Result()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.formatKey(key)).Result()
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, r.formatKey(key)).Result()
}

func (r *RedisStore) SInter(ctx context.Context, keys ...string) ([]string, error) {
	formatted := make([]string, len(keys))
	for i, key := range keys {
		formatted[i] = r.formatKey(key)
	}
	return r.client.SInter(ctx, formatted...).Result()
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
