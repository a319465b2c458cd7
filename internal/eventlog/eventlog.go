// Package eventlog keeps the capped list of received events and the daily
// aggregates derived from it.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/model"
	"github.com/rs/zerolog/log"
)

const (
	// LogsKey holds the []model.LogEntry list, oldest first.
	LogsKey = "logs"

	// MaxEntries is the cap; the oldest entries are evicted first.
	MaxEntries = 1000

	// RecentLimit is the number of entries /logs returns.
	RecentLimit = 50

	statsPrefix = "stats_"

	appendAttempts = 3

	// timestampLayout matches JavaScript's Date.toISOString.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Log appends to and reads from the stored event list.
type Log struct {
	store kv.Store
	now   func() time.Time
}

func New(store kv.Store) *Log {
	return &Log{store: store, now: time.Now}
}

// SetClock overrides the time source for entry timestamps and "today".
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Today returns the current UTC date as YYYY-MM-DD.
func (l *Log) Today() string {
	return l.now().UTC().Format(time.DateOnly)
}

// Append records p, keeping only the newest MaxEntries entries. The write is
// conditional on the version read; a concurrent append is retried.
func (l *Log) Append(ctx context.Context, p model.NotificationPayload) error {
	entry := model.LogEntry{
		Timestamp: l.now().UTC().Format(timestampLayout),
		EventType: p.EventType,
		FileName:  p.FileName,
		FileID:    p.FileID,
		Owner:     p.Owner,
	}

	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		err = l.tryAppend(ctx, entry)
		if !errors.Is(err, kv.ErrConflict) {
			return err
		}
		log.Ctx(ctx).Debug().Int("attempt", attempt).Msg("Event log changed concurrently, retrying append")
	}
	return fmt.Errorf("append event after %d attempts: %w", appendAttempts, err)
}

func (l *Log) tryAppend(ctx context.Context, entry model.LogEntry) error {
	entries, version, err := l.load(ctx)
	if err != nil {
		return err
	}

	entries = append(entries, entry)
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}

	b, err := marshal(entries)
	if err != nil {
		return err
	}
	return l.store.PutIfVersion(ctx, LogsKey, b, 0, version)
}

// Entries returns the whole stored log, oldest first.
func (l *Log) Entries(ctx context.Context) ([]model.LogEntry, error) {
	entries, _, err := l.load(ctx)
	return entries, err
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]model.LogEntry, error) {
	page, _, err := l.Page(ctx, 0, n)
	return page, err
}

// Page returns up to limit entries, newest first, after skipping the offset
// newest ones, along with the total number of stored entries.
func (l *Log) Page(ctx context.Context, offset, limit int) ([]model.LogEntry, int, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := len(entries)

	end := max(total-offset, 0)
	start := max(end-limit, 0)
	window := entries[start:end]

	out := make([]model.LogEntry, len(window))
	for i, e := range window {
		out[len(window)-1-i] = e
	}
	return out, total, nil
}

func (l *Log) load(ctx context.Context) ([]model.LogEntry, int64, error) {
	var entries []model.LogEntry
	version, err := kv.GetJSON(ctx, l.store, LogsKey, &entries)
	if errors.Is(err, kv.ErrNotFound) {
		return []model.LogEntry{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	return entries, version, nil
}

// ComputeDailyStats counts the entries whose timestamp falls on date.
func ComputeDailyStats(entries []model.LogEntry, date string) model.DailyStats {
	stats := model.DailyStats{Date: date}
	for _, e := range entries {
		if !strings.HasPrefix(e.Timestamp, date) {
			continue
		}
		stats.TotalEvents++
		switch e.EventType {
		case model.EventFileShared:
			stats.FileShares++
		case model.EventFolderShared:
			stats.FolderShares++
		}
	}
	return stats
}

// StatsKey is the storage key of one day's stats.
func StatsKey(date string) string {
	return statsPrefix + date
}

// SaveStats overwrites the stored stats for stats.Date.
func (l *Log) SaveStats(ctx context.Context, stats model.DailyStats) error {
	return kv.PutJSON(ctx, l.store, StatsKey(stats.Date), stats, 0)
}

// GetStats returns the stored stats for date, or kv.ErrNotFound.
func (l *Log) GetStats(ctx context.Context, date string) (*model.DailyStats, error) {
	var stats model.DailyStats
	if _, err := kv.GetJSON(ctx, l.store, StatsKey(date), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// StatsDates lists the dates that have stored stats.
func (l *Log) StatsDates(ctx context.Context) ([]string, error) {
	keys, err := l.store.List(ctx, statsPrefix)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(keys))
	for _, k := range keys {
		dates = append(dates, strings.TrimPrefix(k, statsPrefix))
	}
	return dates, nil
}

func marshal(entries []model.LogEntry) ([]byte, error) {
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode event log: %w", err)
	}
	return b, nil
}
