// Package kv defines the key-value abstraction every piece of persisted
// state goes through: recipients, the event log, daily stats, rate-limit
// counters and the poll client's session and change cursor.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by PutIfVersion when the stored version moved.
	ErrConflict = errors.New("version conflict")
)

// Item is a stored value together with its write version.
// Version is 0 for a key that has never been written.
type Item struct {
	Value   []byte
	Version int64
}

// Store is a minimal key-value store with TTL'd keys and optimistic writes.
type Store interface {
	// Get returns the item stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (Item, error)

	// Put stores value unconditionally. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfVersion stores value only if the current version equals version
	// (0 meaning the key must not exist). It returns ErrConflict otherwise.
	PutIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, version int64) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// GetJSON decodes the JSON value stored under key into v and returns the
// item version.
func GetJSON(ctx context.Context, s Store, key string, v any) (int64, error) {
	item, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(item.Value, v); err != nil {
		return 0, fmt.Errorf("decode %q: %w", key, err)
	}
	return item.Version, nil
}

// PutJSON encodes v as JSON and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Put(ctx, key, b, ttl)
}

// GetString returns the string stored under key.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	item, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(item.Value), nil
}
