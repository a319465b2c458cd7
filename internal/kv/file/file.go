// Package file is a kv.Store persisted as a single JSON document. The poll
// CLI uses it so the signed-in session and the change cursor survive
// between runs.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jun/gdrive-notifier/internal/kv"
)

type entry struct {
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Store implements kv.Store on a JSON file. Every call reads and rewrites
// the whole file, which is fine for the handful of keys the CLI keeps.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns a Store writing to path. The file is created lazily.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) load() (map[string]entry, error) {
	items := map[string]entry{}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(b) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return items, nil
}

func (s *Store) save(items map[string]entry) error {
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) live(items map[string]entry, key string) (entry, bool) {
	e, ok := items[key]
	if !ok {
		return entry{}, false
	}
	if !e.ExpiresAt.IsZero() && !s.now().Before(e.ExpiresAt) {
		return entry{}, false
	}
	return e, true
}

func (s *Store) write(key string, value []byte, ttl time.Duration, check func(prev entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}
	prev, _ := s.live(items, key)
	if check != nil {
		if err := check(prev); err != nil {
			return err
		}
	}
	e := entry{Value: value, Version: prev.Version + 1}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl).UTC()
	}
	items[key] = e
	return s.save(items)
}

func (s *Store) Get(ctx context.Context, key string) (kv.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return kv.Item{}, err
	}
	e, ok := s.live(items, key)
	if !ok {
		return kv.Item{}, kv.ErrNotFound
	}
	return kv.Item{Value: e.Value, Version: e.Version}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.write(key, value, ttl, nil)
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, version int64) error {
	return s.write(key, value, ttl, func(prev entry) error {
		if prev.Version != version {
			return kv.ErrConflict
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := items[key]; !ok {
		return nil
	}
	delete(items, key)
	return s.save(items)
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for k := range items {
		if _, ok := s.live(items, k); ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.load()
	return err
}
