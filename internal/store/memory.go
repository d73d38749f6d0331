package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process KV used by tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memValue
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	expires map[string]time.Time
}

type memValue struct {
	data string
}

func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]memValue),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (m *Memory) expired(key string) bool {
	deadline, ok := m.expires[key]
	if !ok {
		return false
	}
	if time.Now().Before(deadline) {
		return false
	}
	delete(m.values, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	delete(m.expires, key)
	return true
}

func (m *Memory) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrNotFound
	}
	value, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value.data, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memValue{data: value}
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expired(key) {
		if _, ok := m.values[key]; ok {
			return false, nil
		}
	}
	m.values[key] = memValue{data: value}
	m.setTTL(key, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.zsets, key)
		delete(m.hashes, key)
		delete(m.expires, key)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	current := int64(0)
	if value, ok := m.values[key]; ok {
		parsed, err := strconv.ParseInt(value.data, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	m.values[key] = memValue{data: strconv.FormatInt(current, 10)}
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.zsets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m.zsets, key)
		}
	}
	return nil
}

func (m *Memory) ZRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	set := m.zsets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		if set[members[i]] == set[members[j]] {
			return members[i] < members[j]
		}
		return set[members[i]] < set[members[j]]
	})
	return members, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, nil
	}
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	hash[field] = value
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash, ok := m.hashes[key]; ok {
		for _, field := range fields {
			delete(hash, field)
		}
		if len(hash) == 0 {
			delete(m.hashes, key)
		}
	}
	return nil
}
