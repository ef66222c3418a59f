package core

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the process-local implementation of Store. It backs
// single-node deployments and serves as the degradation target when the
// shared backend is unreachable. TTL expiry is checked lazily on access.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string]memoryEntry
	lists  map[string][]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	logger Logger
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]memoryEntry),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		logger: &NoOpLogger{},
	}
}

// SetLogger configures the logger for this memory store
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (m *MemoryStore) entryExpired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.kv[key]
	if !exists || m.entryExpired(entry) {
		return "", nil
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.kv[key] = entry
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.kv, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.kv[key]; ok && !m.entryExpired(entry) {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	if _, ok := m.zsets[key]; ok {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.kv[key]
	var current int64
	if ok && !m.entryExpired(entry) {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	// Preserve a previously set expiry, matching Redis INCR
	m.kv[key] = memoryEntry{value: strconv.FormatInt(current, 10), expiresAt: entry.expiresAt}
	return current, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.kv[key]; ok {
		entry.expiresAt = time.Now().Add(ttl)
		m.kv[key] = entry
	}
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, e := range m.kv {
		if strings.HasPrefix(k, prefix) && !m.entryExpired(e) {
			keys = append(keys, k)
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.zsets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.sets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Lists ---

func (m *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryStore) LPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 {
		return "", nil
	}
	v := list[0]
	m.lists[key] = list[1:]
	return v, nil
}

func (m *MemoryStore) RPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 {
		return "", nil
	}
	v := list[len(list)-1]
	m.lists[key] = list[:len(list)-1]
	return v, nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	n := int64(len(list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) LRem(ctx context.Context, key string, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	var kept []string
	for _, v := range m.lists[key] {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.lists[key] = kept
	return removed, nil
}

func (m *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	n := int64(len(list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = list[start : stop+1]
	return nil
}

func (m *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.lists[key])), nil
}

// --- Sorted sets ---

func (m *MemoryStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	for _, member := range members {
		m.zsets[key][member.Member] = member.Score
	}
	return nil
}

// sortedMembers returns the zset members ordered by score then member,
// matching Redis ordering.
func (m *MemoryStore) sortedMembers(key string) []ZMember {
	zset := m.zsets[key]
	members := make([]ZMember, 0, len(zset))
	for member, score := range zset {
		members = append(members, ZMember{Score: score, Member: member})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func (m *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.sortedMembers(key)
	n := int64(len(members))
	start, stop = normalizeRange(start, stop, n)
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for _, member := range members[start : stop+1] {
		out = append(out, member.Member)
	}
	return out, nil
}

func (m *MemoryStore) ZPopMin(ctx context.Context, key string) (*ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.sortedMembers(key)
	if len(members) == 0 {
		return nil, nil
	}
	min := members[0]
	delete(m.zsets[key], min.Member)
	return &min, nil
}

func (m *MemoryStore) ZRem(ctx context.Context, key string, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if zset, ok := m.zsets[key]; ok {
		if _, present := zset[member]; present {
			delete(zset, member)
			return 1, nil
		}
	}
	return 0, nil
}

func (m *MemoryStore) ZRank(ctx context.Context, key string, member string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, zm := range m.sortedMembers(key) {
		if zm.Member == member {
			return int64(i), nil
		}
	}
	return -1, nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.zsets[key])), nil
}

// --- Sets ---

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	for _, member := range members {
		m.sets[key][member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *MemoryStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.sets[key])), nil
}

func (m *MemoryStore) SInter(ctx context.Context, keys ...string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(keys) == 0 {
		return nil, nil
	}
	var result []string
	for member := range m.sets[keys[0]] {
		inAll := true
		for _, key := range keys[1:] {
			if _, ok := m.sets[key][member]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result = append(result, member)
		}
	}
	sort.Strings(result)
	return result, nil
}

// normalizeRange converts Redis-style start/stop indices (negative counts
// from the end, stop is inclusive) into bounded slice indices.
func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
