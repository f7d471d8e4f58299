// Package cache is the get/set/del contract shared by the rate limiter and
// any other short-lived state. Values are strings with an optional TTL.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is implemented by Redis and Memory.
type Cache interface {
	// Get returns the value under key. A missing or expired key reports
	// false without an error.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A zero ttl keeps the value until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// Memory is an in-process Cache for single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns a Memory cache that expires entries against now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]memoryEntry), now: now}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.sweepLocked()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// sweepLocked drops expired entries once the map grows.
func (m *Memory) sweepLocked() {
	if len(m.entries) < 1024 {
		return
	}
	now := m.now()
	for key, entry := range m.entries {
		if !entry.expires.IsZero() && !now.Before(entry.expires) {
			delete(m.entries, key)
		}
	}
}
