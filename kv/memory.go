package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store backend. State does not survive a
// restart; use the redis backend for resumable runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool

	// now is swappable for TTL tests.
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}

	// Copy so callers may reuse their buffer.
	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[key] = memoryEntry{value: buf, expiresAt: expires}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if s.expired(e) {
		s.reclaim(key)
		return nil, false, nil
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	if s.expired(e) {
		return false, nil
	}
	return true, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// RangeGet implements Store.
func (s *MemoryStore) RangeGet(_ context.Context, start, end string, limit int) ([]Entry, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	var stale []string
	for _, k := range keys {
		e := s.entries[k]
		if s.expired(e) {
			stale = append(stale, k)
			continue
		}
		buf := make([]byte, len(e.value))
		copy(buf, e.value)
		out = append(out, Entry{Key: k, Value: buf})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.mu.RUnlock()

	for _, k := range stale {
		s.reclaim(k)
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]memoryEntry{}
	s.closed = true
	return nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

// reclaim lazily removes an expired entry, re-checking under the write lock.
func (s *MemoryStore) reclaim(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && s.expired(e) {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
