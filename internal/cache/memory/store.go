package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	val []byte
	exp time.Time
}

// Store is the in-process cache backend. Expiry is lazy: an entry past its
// deadline is treated as a miss and deleted on the Get that finds it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.exp) {
		s.mu.Lock()
		// Re-check under the write lock: a Set may have raced the eviction.
		if cur, ok := s.entries[key]; ok && time.Now().After(cur.exp) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, nil
	}
	// Copy so callers mutating the result never corrupt the cached value.
	out := make([]byte, len(e.val))
	copy(out, e.val)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{val: value, exp: time.Now().Add(ttl)}
	return nil
}

func (s *Store) Invalidate(ctx context.Context, fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if strings.Contains(k, fragment) {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}
