package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a mutex-guarded Store. Expired keys are dropped lazily on access
// and by Prune.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	data  map[string]memEntry
	zsets map[string]map[string]float64
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, letting tests move expiry forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:   time.Now,
		data:  map[string]memEntry{},
		zsets: map[string]map[string]float64{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// lookupLocked returns the live entry for key, deleting it if expired.
func (m *Memory) lookupLocked(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) incrLocked(key string, delta int64, ttl time.Duration) (int64, error) {
	e, ok := m.lookupLocked(key)
	var cur int64
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: value at %q is not an integer", key)
		}
		cur = n
	} else if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	m.data[key] = e
	return cur, nil
}

func (m *Memory) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, 1, ttl)
}

func (m *Memory) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, delta, 0)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := memEntry{value: append([]byte(nil), value...)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.lookupLocked(k); ok {
			delete(m.data, k)
			n++
			continue
		}
		if _, ok := m.zsets[k]; ok {
			delete(m.zsets, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if z == nil {
		z = map[string]float64{}
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZUpdate(ctx context.Context, key string, score float64, member string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if _, ok := z[member]; !ok {
		return false, nil
	}
	z[member] = score
	return true, nil
}

func (m *Memory) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type item struct {
		member string
		score  float64
	}
	m.mu.Lock()
	items := make([]item, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		if score <= max {
			items = append(items, item{member: member, score: score})
		}
	}
	m.mu.Unlock()

	// Same tie-break as Redis: equal scores order lexicographically.
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score < items[j].score
		}
		return items[i].member < items[j].member
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.member
	}
	return out, nil
}

func (m *Memory) ZRem(ctx context.Context, key, member string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return true, nil
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// Prune drops every expired key and returns how many were removed.
func (m *Memory) Prune(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, e := range m.data {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}
