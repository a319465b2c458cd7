package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jun/gdrive-notifier/internal/kv"
)

func TestStore_PutGet(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "logs", []byte("[]"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	item, err := s.Get(ctx, "logs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(item.Value) != "[]" {
		t.Errorf("Expected value '[]', got '%s'", item.Value)
	}
	if item.Version != 1 {
		t.Errorf("Expected version 1, got %d", item.Version)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s := NewStore()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	s.Put(ctx, "rate_limit_1.2.3.4", []byte("1"), time.Hour)

	now = now.Add(59 * time.Minute)
	if _, err := s.Get(ctx, "rate_limit_1.2.3.4"); err != nil {
		t.Fatalf("Expected key to be live, got %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := s.Get(ctx, "rate_limit_1.2.3.4"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected expired key, got %v", err)
	}

	keys, _ := s.List(ctx, "rate_limit_")
	if len(keys) != 0 {
		t.Errorf("Expected no live keys, got %v", keys)
	}
}

func TestStore_PutIfVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if err := s.PutIfVersion(ctx, "logs", []byte("a"), 0, 0); err != nil {
		t.Fatalf("Create with version 0 failed: %v", err)
	}
	if err := s.PutIfVersion(ctx, "logs", []byte("b"), 0, 0); !errors.Is(err, kv.ErrConflict) {
		t.Fatalf("Expected ErrConflict for stale version, got %v", err)
	}
	if err := s.PutIfVersion(ctx, "logs", []byte("b"), 0, 1); err != nil {
		t.Fatalf("Update with current version failed: %v", err)
	}

	item, _ := s.Get(ctx, "logs")
	if string(item.Value) != "b" || item.Version != 2 {
		t.Errorf("Expected value 'b' version 2, got '%s' version %d", item.Value, item.Version)
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	s.Put(ctx, "stats_2025-01-14", []byte("{}"), 0)
	s.Put(ctx, "stats_2025-01-15", []byte("{}"), 0)
	s.Put(ctx, "logs", []byte("[]"), 0)

	keys, err := s.List(ctx, "stats_")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "stats_2025-01-14" || keys[1] != "stats_2025-01-15" {
		t.Errorf("Unexpected keys: %v", keys)
	}

	s.Delete(ctx, "stats_2025-01-14")
	keys, _ = s.List(ctx, "stats_")
	if len(keys) != 1 {
		t.Errorf("Expected 1 key after delete, got %v", keys)
	}
}

func TestGetJSON(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	kv.PutJSON(ctx, s, "recipients", []map[string]any{{"phone": "A", "active": true}}, 0)

	var got []struct {
		Phone  string `json:"phone"`
		Active bool   `json:"active"`
	}
	version, err := kv.GetJSON(ctx, s, "recipients", &got)
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if version != 1 || len(got) != 1 || got[0].Phone != "A" || !got[0].Active {
		t.Errorf("Unexpected decode: version=%d value=%+v", version, got)
	}
}
