// Package memory is an in-process kv.Store used by tests, DEV_MODE and the
// poll client when no persistent state file is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jun/gdrive-notifier/internal/kv"
)

type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

// Store implements kv.Store on a map guarded by a mutex.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for TTL expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) live(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		return entry{}, false
	}
	return e, true
}

func (s *Store) Get(ctx context.Context, key string) (kv.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return kv.Item{}, kv.ErrNotFound
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return kv.Item{Value: v, Version: e.version}, nil
}

func (s *Store) put(key string, value []byte, ttl time.Duration, version int64) {
	e := entry{value: append([]byte(nil), value...), version: version}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, _ := s.live(key)
	s.put(key, value, ttl, prev.version+1)
	return nil
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, _ := s.live(key)
	if prev.version != version {
		return kv.ErrConflict
	}
	s.put(key, value, ttl, version+1)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []string{}
	for k := range s.items {
		if _, ok := s.live(k); ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}
