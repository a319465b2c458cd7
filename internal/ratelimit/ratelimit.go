// Package ratelimit caps how many requests one caller may make per hour.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jun/gdrive-notifier/internal/kv"
)

const (
	// DefaultLimit is the number of calls allowed per window.
	DefaultLimit = 100

	// Window is the TTL of a counter. Each allowed call refreshes it.
	Window = time.Hour

	keyPrefix = "rate_limit_"
)

// Limiter counts calls per identifier in the KV store. The read and the
// write are separate calls, so concurrent requests can undercount.
type Limiter struct {
	store kv.Store
	limit int
}

func New(store kv.Store, limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{store: store, limit: limit}
}

// Allow reports whether identifier is still under the limit and, if so,
// counts this call.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := keyPrefix + identifier

	count := 0
	raw, err := kv.GetString(ctx, l.store, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("read rate limit counter: %w", err)
	default:
		// A corrupt counter restarts the window.
		count, _ = strconv.Atoi(raw)
	}

	if count >= l.limit {
		return false, nil
	}
	if err := l.store.Put(ctx, key, []byte(strconv.Itoa(count+1)), Window); err != nil {
		return false, fmt.Errorf("write rate limit counter: %w", err)
	}
	return true, nil
}
